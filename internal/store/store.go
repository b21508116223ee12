// Package store provides crash-safe persistence for trade history and
// performance state using append-only JSONL files.
//
// Each concern gets its own file under the data directory:
//
//	trades.jsonl       one line per trade event (entry, resolution)
//	strategy.jsonl     one line per strategy decision
//	oracle.jsonl       periodic consensus price snapshots
//	errors.log         timestamped component errors
//	performance.json   latest performance snapshot, atomically replaced
//
// Trade updates are appended rather than rewritten; on startup the loader
// keeps the last line per trade ID, so a crash mid-append loses at most
// one event.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"updown-bot/pkg/types"
)

const (
	tradesFile      = "trades.jsonl"
	strategyFile    = "strategy.jsonl"
	oracleFile      = "oracle.jsonl"
	errorsFile      = "errors.log"
	performanceFile = "performance.json"
)

// Store persists bot state to files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// StrategyEntry is one logged strategy decision.
type StrategyEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	Engine      string         `json:"engine"`
	ConditionID string         `json:"condition_id,omitempty"`
	Decision    types.Decision `json:"decision"`
	Action      string         `json:"action"` // "traded", "skipped", "blocked"
	Detail      string         `json:"detail,omitempty"`
}

// OracleEntry is one logged consensus snapshot.
type OracleEntry struct {
	Timestamp time.Time            `json:"timestamp"`
	Consensus types.ConsensusPrice `json:"consensus"`
}

// Performance is the latest aggregate performance snapshot.
type Performance struct {
	UpdatedAt         time.Time `json:"updated_at"`
	Capital           float64   `json:"capital"`
	StartOfDayCapital float64   `json:"start_of_day_capital"`
	TotalPnL          float64   `json:"total_pnl"`
	DailyPnL          float64   `json:"daily_pnl"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	WinRate           float64   `json:"win_rate"`
	TradesToday       int       `json:"trades_today"`
}

// AppendTrade logs a trade event. Called on entry and again on resolution;
// the loader keeps the latest line per trade ID.
func (s *Store) AppendTrade(rec types.TradeRecord) error {
	return s.appendJSONL(tradesFile, rec)
}

// AppendStrategy logs one strategy decision.
func (s *Store) AppendStrategy(entry StrategyEntry) error {
	return s.appendJSONL(strategyFile, entry)
}

// AppendOracle logs one consensus snapshot.
func (s *Store) AppendOracle(entry OracleEntry) error {
	return s.appendJSONL(oracleFile, entry)
}

// LogError appends a timestamped line to the error log.
func (s *Store) LogError(component string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ferr := os.OpenFile(filepath.Join(s.dir, errorsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if ferr != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s [%s] %v\n", time.Now().UTC().Format(time.RFC3339), component, err)
}

// SavePerformance atomically replaces the performance snapshot. It writes
// to a .tmp file first, then renames over the target, so the file is
// never left in a partial state.
func (s *Store) SavePerformance(p Performance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal performance: %w", err)
	}

	path := filepath.Join(s.dir, performanceFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write performance: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadPerformance restores the last performance snapshot.
// Returns nil, nil when none exists yet.
func (s *Store) LoadPerformance() (*Performance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, performanceFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read performance: %w", err)
	}

	var p Performance
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal performance: %w", err)
	}
	return &p, nil
}

// LoadPendingTrades replays the trade log and returns the records still
// pending, using the latest line per trade ID. Corrupt lines are skipped.
func (s *Store) LoadPendingTrades() ([]types.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, tradesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	latest := make(map[string]types.TradeRecord)
	var order []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec types.TradeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.TradeID == "" {
			continue
		}
		if _, seen := latest[rec.TradeID]; !seen {
			order = append(order, rec.TradeID)
		}
		latest[rec.TradeID] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan trade log: %w", err)
	}

	var pending []types.TradeRecord
	for _, id := range order {
		if rec := latest[id]; rec.Outcome == types.OutcomePending {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

// appendJSONL appends one JSON line to a log file.
func (s *Store) appendJSONL(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", name, err)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}
