// Package risk gates trades and sizes positions across the engines that
// share one bankroll.
//
// Each engine (main directional, late-window, 5-minute) gets its own daily
// bucket of counters and limits; capital and the Kelly fraction are shared.
// All buckets reset at UTC midnight, preserving capital and lifetime PnL.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"updown-bot/internal/config"
)

// Engine names one trading engine's risk bucket.
type Engine string

const (
	EngineMain       Engine = "main"
	EngineLateWindow Engine = "late_window"
	EngineFiveMin    Engine = "5m"
)

// Limits are one engine's daily risk limits. Zero-valued fields disable the
// corresponding check: a zero BudgetPct means no budget gate, a zero
// MaxConsecutiveLosses means no streak breaker, and so on.
type Limits struct {
	MaxDailyTrades       int
	MaxTradePct          float64 // per-trade cap as % of capital
	MaxTradeUSD          float64
	BudgetPct            float64 // daily spend cap as % of start-of-day capital
	MaxDailyLossPct      float64
	MaxConsecutiveLosses int
	LossStreakCooldown   time.Duration
}

// bucket holds one engine's counters for the current UTC day.
type bucket struct {
	trades            int
	wins              int
	losses            int
	pnl               float64
	spent             float64
	consecutiveLosses int
	cooldownUntil     time.Time
}

// BucketStatus is a read-only snapshot of one engine's bucket.
type BucketStatus struct {
	Engine            Engine    `json:"engine"`
	Trades            int       `json:"trades"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	PnL               float64   `json:"pnl"`
	Spent             float64   `json:"spent"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
	CanTrade          bool      `json:"can_trade"`
	Reason            string    `json:"reason"`
}

// Status is the manager-wide snapshot used by the dashboard and the
// performance store.
type Status struct {
	Capital           float64        `json:"capital"`
	StartOfDayCapital float64        `json:"start_of_day_capital"`
	TotalPnL          float64        `json:"total_pnl"`
	DailyPnL          float64        `json:"daily_pnl"`
	Date              string         `json:"date"`
	Engines           []BucketStatus `json:"engines"`
}

// Manager tracks capital and per-engine daily limits. Safe for concurrent
// use by the engine goroutines.
type Manager struct {
	mu sync.Mutex

	kellyFraction float64
	minTradeUSD   float64
	limits        map[Engine]Limits

	capital           float64
	startOfDayCapital float64
	totalPnL          float64
	date              string
	buckets           map[Engine]*bucket

	now    func() time.Time
	logger *slog.Logger
}

// NewManager builds the manager with one bucket per engine, translating
// each engine's config section into its Limits.
func NewManager(cfg config.RiskConfig, lw config.LateWindowConfig, fm config.FiveMinConfig, capital float64, logger *slog.Logger) *Manager {
	m := &Manager{
		kellyFraction: cfg.KellyFraction,
		minTradeUSD:   cfg.MinTradeUSD,
		limits: map[Engine]Limits{
			EngineMain: {
				MaxDailyTrades:       cfg.MaxDailyTrades,
				MaxTradePct:          cfg.MaxTradePct,
				MaxTradeUSD:          cfg.MaxTradeUSD,
				MaxDailyLossPct:      cfg.MaxDailyLossPct,
				MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
				LossStreakCooldown:   cfg.LossStreakCooldown,
			},
			EngineLateWindow: {
				MaxDailyTrades: lw.MaxDailyTrades,
				MaxTradeUSD:    lw.MaxTradeUSD,
				BudgetPct:      lw.BudgetPct,
			},
			EngineFiveMin: {
				MaxDailyTrades:       fm.MaxDailyTrades,
				MaxTradeUSD:          fm.MaxTradeUSD,
				BudgetPct:            fm.BudgetPct,
				MaxDailyLossPct:      fm.MaxDailyLossPct,
				MaxConsecutiveLosses: fm.MaxConsecutiveLosses,
				LossStreakCooldown:   fm.LossStreakCooldown,
			},
		},
		capital:           capital,
		startOfDayCapital: capital,
		buckets:           make(map[Engine]*bucket),
		now:               time.Now,
		logger:            logger.With("component", "risk"),
	}
	m.date = m.today()
	for eng := range m.limits {
		m.buckets[eng] = &bucket{}
	}
	return m
}

func (m *Manager) today() string {
	return m.now().UTC().Format("2006-01-02")
}

// rolloverLocked replaces all buckets at UTC midnight. Capital and lifetime
// PnL survive; the start-of-day snapshot becomes the current capital.
func (m *Manager) rolloverLocked() {
	today := m.today()
	if m.date == today {
		return
	}
	main := m.buckets[EngineMain]
	m.logger.Info("daily risk reset",
		"yesterday", m.date,
		"trades", main.trades,
		"pnl", fmt.Sprintf("%+.2f", main.pnl),
		"wins", main.wins,
		"losses", main.losses,
	)
	m.date = today
	m.startOfDayCapital = m.capital
	for eng := range m.buckets {
		m.buckets[eng] = &bucket{}
	}
}

// CanTrade reports whether the engine may open a new position, with a
// human-readable reason when it may not. Hitting the loss-streak cap starts
// the engine's cooldown and clears the streak so the engine is not locked
// out forever once the cooldown expires.
func (m *Manager) CanTrade(engine Engine) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	can, reason, streakHit := m.canTradeLocked(engine)
	if streakHit {
		lim := m.limits[engine]
		b := m.buckets[engine]
		b.cooldownUntil = m.now().Add(lim.LossStreakCooldown)
		b.consecutiveLosses = 0
		m.logger.Warn("loss streak cooldown",
			"engine", engine,
			"streak", lim.MaxConsecutiveLosses,
			"until", b.cooldownUntil.Format(time.TimeOnly),
		)
		return false, fmt.Sprintf("%s, cooldown started", reason)
	}
	return can, reason
}

// canTradeLocked is the pure check. It never mutates a bucket, so status
// snapshots can call it freely; streakHit tells CanTrade to arm the
// cooldown.
func (m *Manager) canTradeLocked(engine Engine) (can bool, reason string, streakHit bool) {
	m.rolloverLocked()

	lim, ok := m.limits[engine]
	if !ok {
		return false, fmt.Sprintf("unknown engine %q", engine), false
	}
	b := m.buckets[engine]
	now := m.now()

	if now.Before(b.cooldownUntil) {
		return false, fmt.Sprintf("cooldown (%.0fs remaining)", b.cooldownUntil.Sub(now).Seconds()), false
	}
	if lim.MaxDailyTrades > 0 && b.trades >= lim.MaxDailyTrades {
		return false, fmt.Sprintf("daily limit (%d)", lim.MaxDailyTrades), false
	}

	reference := m.startOfDayCapital
	if reference <= 0 {
		reference = m.capital
	}

	if lim.BudgetPct > 0 {
		budget := reference * lim.BudgetPct / 100
		if b.spent >= budget {
			return false, fmt.Sprintf("budget exhausted ($%.2f)", budget), false
		}
	}
	if lim.MaxDailyLossPct > 0 && reference > 0 {
		lossPct := math.Abs(math.Min(0, b.pnl)) / reference * 100
		if lossPct >= lim.MaxDailyLossPct {
			return false, fmt.Sprintf("daily loss limit (%.1f%%)", lossPct), false
		}
	}
	if lim.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= lim.MaxConsecutiveLosses {
		return false, fmt.Sprintf("loss streak (%d)", lim.MaxConsecutiveLosses), true
	}
	if m.capital <= 0 {
		return false, "no capital", false
	}
	return true, "ok", false
}

// PositionSize returns the fractional-Kelly stake for a prediction with the
// given confidence, clamped to the engine's per-trade caps and the shared
// minimum, never exceeding available capital. Returns 0 when capital is
// exhausted.
func (m *Manager) PositionSize(engine Engine, confidence float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capital <= 0 {
		return 0
	}
	lim := m.limits[engine]

	kelly := math.Max(0, 2*confidence-1)
	size := m.capital * kelly * m.kellyFraction
	if lim.MaxTradePct > 0 {
		size = math.Min(size, m.capital*lim.MaxTradePct/100)
	}
	if lim.MaxTradeUSD > 0 {
		size = math.Min(size, lim.MaxTradeUSD)
	}
	size = math.Max(size, m.minTradeUSD)
	size = math.Min(size, m.capital)
	return math.Round(size*100) / 100
}

// RecordEntry counts a placed trade against the engine's daily caps.
// Call it at placement time; PnL lands later via RecordResolution.
func (m *Manager) RecordEntry(engine Engine, sizeUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	b := m.buckets[engine]
	b.trades++
	b.spent += sizeUSD
}

// RecordResolution applies a resolved trade's PnL to exactly one engine's
// bucket and rolls the shared capital.
func (m *Manager) RecordResolution(engine Engine, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	b := m.buckets[engine]
	b.pnl += pnl
	m.totalPnL += pnl
	m.capital += pnl

	if pnl >= 0 {
		b.wins++
		b.consecutiveLosses = 0
	} else {
		b.losses++
		b.consecutiveLosses++
	}

	m.logger.Info("trade resolved",
		"engine", engine,
		"pnl", fmt.Sprintf("%+.2f", pnl),
		"daily_pnl", fmt.Sprintf("%+.2f", b.pnl),
		"capital", fmt.Sprintf("%.2f", m.capital),
		"streak", b.consecutiveLosses,
	)
}

// Capital returns the current bankroll.
func (m *Manager) Capital() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capital
}

// SetCapital syncs the bankroll from a live balance read. Non-positive
// values are ignored: a transient zero from the balance endpoint must not
// wipe the working capital.
func (m *Manager) SetCapital(v float64) {
	if v <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capital = v
}

// GetStatus snapshots the manager for the dashboard and performance store.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	st := Status{
		Capital:           m.capital,
		StartOfDayCapital: m.startOfDayCapital,
		TotalPnL:          m.totalPnL,
		Date:              m.date,
	}
	for _, eng := range []Engine{EngineMain, EngineLateWindow, EngineFiveMin} {
		b := m.buckets[eng]
		can, reason, _ := m.canTradeLocked(eng)
		st.Engines = append(st.Engines, BucketStatus{
			Engine:            eng,
			Trades:            b.trades,
			Wins:              b.wins,
			Losses:            b.losses,
			PnL:               b.pnl,
			Spent:             b.spent,
			ConsecutiveLosses: b.consecutiveLosses,
			CooldownUntil:     b.cooldownUntil,
			CanTrade:          can,
			Reason:            reason,
		})
		st.DailyPnL += b.pnl
	}
	return st
}
