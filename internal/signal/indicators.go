// Package signal implements the multi-indicator strategy engine.
//
// The engine predicts whether BTC will close a prediction window above or
// below the window's opening price. When an anchor (window open) is known,
// price-vs-open drift dominates the vote and the technical indicators act
// as tiebreakers; without an anchor the indicators carry their configured
// weights. All functions are pure: no I/O, no shared state.
package signal

import (
	"math"

	"updown-bot/pkg/types"
)

// EMA returns the exponential moving average series for the given period.
// The first value is seeded with the SMA of the first period elements. When
// fewer than period values exist, a flat SMA series is returned.
func EMA(data []float64, period int) []float64 {
	if len(data) == 0 {
		return nil
	}
	if len(data) < period {
		var sum float64
		for _, v := range data {
			sum += v
		}
		avg := sum / float64(len(data))
		out := make([]float64, len(data))
		for i := range out {
			out[i] = avg
		}
		return out
	}

	multiplier := 2.0 / float64(period+1)
	var seed float64
	for _, v := range data[:period] {
		seed += v
	}
	out := []float64{seed / float64(period)}
	for _, price := range data[period:] {
		out = append(out, price*multiplier+out[len(out)-1]*(1-multiplier))
	}
	return out
}

// RSI computes the Wilder-smoothed relative strength index over closes.
// Returns the neutral 50 when there is not enough history.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50.0
	}

	deltas := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		deltas[i-1] = closes[i] - closes[i-1]
	}

	var avgGain, avgLoss float64
	for _, d := range deltas[:period] {
		if d > 0 {
			avgGain += d
		} else {
			avgLoss += -d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for _, d := range deltas[period:] {
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100.0
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// MACD returns (macd line, signal line, histogram) for the latest close.
// Zeroes are returned when there is not enough history for the slow EMA
// plus the signal EMA.
func MACD(closes []float64, fast, slow, signalPeriod int) (line, sig, hist float64) {
	if len(closes) < slow+signalPeriod {
		return 0, 0, 0
	}

	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	n := len(emaFast)
	if len(emaSlow) < n {
		n = len(emaSlow)
	}

	macdLine := make([]float64, n)
	for i := 0; i < n; i++ {
		macdLine[i] = emaFast[len(emaFast)-n+i] - emaSlow[len(emaSlow)-n+i]
	}
	if len(macdLine) < signalPeriod {
		return macdLine[len(macdLine)-1], 0, 0
	}

	signalLine := EMA(macdLine, signalPeriod)
	line = macdLine[len(macdLine)-1]
	sig = signalLine[len(signalLine)-1]
	return line, sig, line - sig
}

// Volatility returns the population standard deviation of close-to-close
// percentage returns across the candles.
func Volatility(candles []types.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (candles[i].Close-prev)/prev*100)
	}
	if len(returns) == 0 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}
