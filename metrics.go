package substrate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CycleRecord is one health metrics sample, appended per cycle.
type CycleRecord struct {
	Timestamp     time.Time     `json:"timestamp"`
	Cycle         int           `json:"cycle"`
	State         LoopState     `json:"state"`
	DurationMs    int64         `json:"durationMs"`
	IdleStreak    int           `json:"idleStreak"`
	SessionStatus SessionStatus `json:"sessionStatus,omitempty"`
}

// Baseline is the aggregate snapshot rewritten on clean shutdown.
type Baseline struct {
	UpdatedAt     time.Time `json:"updatedAt"`
	TotalCycles   int       `json:"totalCycles"`
	AvgDurationMs int64     `json:"avgDurationMs"`
	TimeoutRate   float64   `json:"timeoutRate"`
}

// HealthMetrics persists the loop's health history under
// <substrate>/.metrics: one JSONL line per cycle plus a baseline snapshot.
type HealthMetrics struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	cycles      int
	durationSum int64
	timeouts    int
}

// NewHealthMetrics creates the recorder for the given substrate root.
func NewHealthMetrics(substrateRoot string, logger *slog.Logger) *HealthMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMetrics{
		dir:    filepath.Join(substrateRoot, ".metrics"),
		logger: logger,
		now:    time.Now,
	}
}

// RecordCycle appends one sample to health_metrics.jsonl. Failures are
// logged and swallowed; metrics never break the loop.
func (h *HealthMetrics) RecordCycle(rec CycleRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = h.now()
	}

	h.mu.Lock()
	h.cycles++
	h.durationSum += rec.DurationMs
	if rec.SessionStatus == SessionTimedOut {
		h.timeouts++
	}
	h.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		h.logger.Warn("metrics marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(h.dir, 0o750); err != nil {
		h.logger.Warn("metrics dir failed", "error", err)
		return
	}
	path := filepath.Join(h.dir, "health_metrics.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		h.logger.Warn("metrics append failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, string(line)); err != nil {
		h.logger.Warn("metrics append failed", "error", err)
	}
}

// WriteBaseline rewrites baseline.json from the samples recorded this run.
// Called on clean shutdown.
func (h *HealthMetrics) WriteBaseline() error {
	h.mu.Lock()
	b := Baseline{UpdatedAt: h.now(), TotalCycles: h.cycles}
	if h.cycles > 0 {
		b.AvgDurationMs = h.durationSum / int64(h.cycles)
		b.TimeoutRate = float64(h.timeouts) / float64(h.cycles)
	}
	h.mu.Unlock()

	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(h.dir, 0o750); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(h.dir, "baseline.json"), raw)
}
