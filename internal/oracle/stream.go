// Package oracle provides the BTC price feed for the trading bot.
//
// The primary source is Polymarket's real-time data socket, which carries
// the same Chainlink oracle prices the venue uses to resolve UP/DOWN
// markets. A Binance pass-through on the same socket plus REST tickers
// (Binance, CoinGecko) act as secondary sources for cross-checking. The
// consensus layer blends whatever is fresh into a single price with a
// confidence score.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"updown-bot/pkg/types"
)

// Price source names as they appear in PricePoint.Source and anchors.
const (
	SourceChainlink   = "chainlink"
	SourceRTDSBinance = "rtds_binance"
	SourceBinance     = "binance"
	SourceCoinGecko   = "coingecko"
)

const (
	topicChainlink = "crypto_prices_chainlink"
	topicCrypto    = "crypto_prices"

	symbolChainlink = "btc/usd"
	symbolBinance   = "btcusdt"

	handshakeTimeout   = 10 * time.Second
	streamWriteTimeout = 10 * time.Second
	initialReconnect   = 5 * time.Second
	maxReconnectWait   = 120 * time.Second
)

// StreamHealth is a snapshot of the stream's connection statistics.
type StreamHealth struct {
	Connected           bool      `json:"connected"`
	TotalAttempts       int       `json:"total_attempts"`
	TotalSuccesses      int       `json:"total_successes"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	LastChainlinkAt     time.Time `json:"last_chainlink_at"`
	MessagesReceived    int64     `json:"messages_received"`
}

// Stream maintains the persistent WebSocket to the real-time data socket.
// It tracks the latest chainlink and binance pass-through prices and
// reconnects automatically with exponential backoff. A watchdog force-closes
// the connection if no chainlink message arrives for staleAfter, since the
// server can keep a dead connection open while sending nothing.
type Stream struct {
	url           string
	pingEvery     time.Duration
	watchdogEvery time.Duration
	staleAfter    time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex

	pointsMu sync.RWMutex
	points   map[string]types.PricePoint // keyed by source name

	healthMu sync.Mutex
	health   StreamHealth

	logger *slog.Logger
}

// NewStream creates a stream for the given socket URL. Call Run to connect.
func NewStream(url string, pingEvery, watchdogEvery, staleAfter time.Duration, logger *slog.Logger) *Stream {
	return &Stream{
		url:           url,
		pingEvery:     pingEvery,
		watchdogEvery: watchdogEvery,
		staleAfter:    staleAfter,
		points:        make(map[string]types.PricePoint),
		logger:        logger.With("component", "oracle_stream"),
	}
}

// Point returns the latest price from the named source, if any.
func (s *Stream) Point(source string) (types.PricePoint, bool) {
	s.pointsMu.RLock()
	defer s.pointsMu.RUnlock()
	p, ok := s.points[source]
	return p, ok
}

// Points returns a copy of all tracked price points.
func (s *Stream) Points() map[string]types.PricePoint {
	s.pointsMu.RLock()
	defer s.pointsMu.RUnlock()
	out := make(map[string]types.PricePoint, len(s.points))
	for k, v := range s.points {
		out[k] = v
	}
	return out
}

// Health returns a snapshot of connection statistics.
func (s *Stream) Health() StreamHealth {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.health
}

// Run connects and maintains the socket with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	for {
		s.healthMu.Lock()
		s.health.TotalAttempts++
		s.healthMu.Unlock()

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.healthMu.Lock()
		s.health.Connected = false
		s.health.ConsecutiveFailures++
		failures := s.health.ConsecutiveFailures
		s.healthMu.Unlock()

		wait := reconnectWait(failures)
		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", wait,
			"consecutive_failures", failures,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// reconnectWait is the redial delay for a run of consecutive failures.
// The count resets once a session subscribes, so a drop after hours of
// healthy streaming waits the initial delay again instead of whatever
// the ladder had climbed to during startup.
func reconnectWait(failures int) time.Duration {
	wait := initialReconnect << min(failures-1, 8)
	if wait <= 0 || wait > maxReconnectWait {
		return maxReconnectWait
	}
	return wait
}

// Close closes the underlying connection if open.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.healthMu.Lock()
	s.health.Connected = true
	s.health.TotalSuccesses++
	s.health.ConsecutiveFailures = 0
	s.health.LastSuccess = time.Now()
	s.health.LastChainlinkAt = time.Now() // grace period for the watchdog
	s.healthMu.Unlock()

	s.logger.Info("stream connected", "url", s.url)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(loopCtx)
	go s.watchdog(loopCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.handleMessage(msg)
	}
}

// subscribe sends the two subscription frames: the chainlink oracle topic
// (all symbols) and the binance pass-through filtered to BTCUSDT.
func (s *Stream) subscribe() error {
	msgs := []types.StreamSubscribeMsg{
		{
			Action: "subscribe",
			Subscriptions: []types.StreamSubscription{
				{Topic: topicChainlink, Type: "*", Filters: ""},
			},
		},
		{
			Action: "subscribe",
			Subscriptions: []types.StreamSubscription{
				{Topic: topicCrypto, Type: "update", Filters: symbolBinance},
			},
		},
	}
	for _, msg := range msgs {
		if err := s.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) handleMessage(data []byte) {
	var msg types.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}
	if msg.Payload.Value <= 0 {
		return
	}

	var source string
	switch {
	case msg.Topic == topicChainlink && msg.Payload.Symbol == symbolChainlink:
		source = SourceChainlink
	case msg.Topic == topicCrypto && msg.Payload.Symbol == symbolBinance:
		source = SourceRTDSBinance
	default:
		return
	}

	point := types.PricePoint{
		Source:    source,
		Price:     msg.Payload.Value,
		Timestamp: msg.Payload.Time(),
	}

	s.pointsMu.Lock()
	s.points[source] = point
	s.pointsMu.Unlock()

	s.healthMu.Lock()
	s.health.MessagesReceived++
	if source == SourceChainlink {
		s.health.LastChainlinkAt = time.Now()
	}
	s.healthMu.Unlock()
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// watchdog force-closes the connection when the chainlink topic goes quiet,
// turning a silent stall into a read error that triggers reconnect.
func (s *Stream) watchdog(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.watchdogEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.healthMu.Lock()
			last := s.health.LastChainlinkAt
			s.healthMu.Unlock()

			if age := time.Since(last); age > s.staleAfter {
				s.logger.Warn("no oracle updates, forcing reconnect", "age", age.Round(time.Second))
				conn.Close()
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteMessage(msgType, data)
}
