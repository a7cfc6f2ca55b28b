package substrate

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordCycleAppendsJSONL(t *testing.T) {
	root := t.TempDir()
	h := NewHealthMetrics(root, testLogger())

	h.RecordCycle(CycleRecord{Cycle: 1, State: StateRunning, DurationMs: 100})
	h.RecordCycle(CycleRecord{Cycle: 2, State: StateRunning, DurationMs: 200, SessionStatus: SessionTimedOut})

	f, err := os.Open(filepath.Join(root, ".metrics", "health_metrics.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var recs []CycleRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec CycleRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		recs = append(recs, rec)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(recs))
	}
	if recs[0].Cycle != 1 || recs[1].Cycle != 2 {
		t.Errorf("cycles out of order: %+v", recs)
	}
	if recs[0].Timestamp.IsZero() {
		t.Error("timestamp must be filled in")
	}
	if recs[1].SessionStatus != SessionTimedOut {
		t.Errorf("session status lost: %+v", recs[1])
	}
}

func TestWriteBaselineAggregates(t *testing.T) {
	root := t.TempDir()
	h := NewHealthMetrics(root, testLogger())
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	h.RecordCycle(CycleRecord{Cycle: 1, DurationMs: 100})
	h.RecordCycle(CycleRecord{Cycle: 2, DurationMs: 200, SessionStatus: SessionTimedOut})
	h.RecordCycle(CycleRecord{Cycle: 3, DurationMs: 300})

	if err := h.WriteBaseline(); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(root, ".metrics", "baseline.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var b Baseline
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.TotalCycles != 3 || b.AvgDurationMs != 200 {
		t.Errorf("aggregate wrong: %+v", b)
	}
	if b.TimeoutRate < 0.33 || b.TimeoutRate > 0.34 {
		t.Errorf("timeout rate %v, want 1/3", b.TimeoutRate)
	}
}

func TestWriteBaselineEmptyRun(t *testing.T) {
	h := NewHealthMetrics(t.TempDir(), testLogger())
	if err := h.WriteBaseline(); err != nil {
		t.Fatalf("baseline with no samples: %v", err)
	}
}
