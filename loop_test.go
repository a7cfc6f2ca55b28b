package substrate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// newTestOrchestrator wires an orchestrator over a fake runner. The store
// clock is pinned in the past so the watchdog's activity view is driven by
// the test, not by Init's writes.
func newTestOrchestrator(t *testing.T, runner *fakeRunner, cfg LoopConfig) (*Orchestrator, *Store) {
	t.Helper()
	past := time.Now().Add(-24 * time.Hour)
	store := NewStore(t.TempDir(),
		WithStoreLogger(testLogger()),
		WithStoreClock(func() time.Time { return past }))
	if err := store.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	conv := NewConversationManager(store, testLogger())
	launcher := NewLauncher(SessionConfig{Timeout: time.Second, Grace: time.Millisecond}, runner, testLogger())
	return NewOrchestrator(store, conv, launcher, nil, cfg, testLogger(), nil), store
}

func idleRunner() *fakeRunner {
	return &fakeRunner{script: func(Role, string) *fakeProcess {
		return &fakeProcess{out: completionLine("") + "\n"}
	}}
}

func TestTransitionRules(t *testing.T) {
	o, _ := newTestOrchestrator(t, idleRunner(), LoopConfig{})

	if err := o.Pause(); err == nil {
		t.Error("pause from STOPPED must fail")
	}
	if err := o.Resume(); err == nil {
		t.Error("resume from STOPPED must fail")
	}
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if o.State() != StateRunning {
		t.Fatalf("state=%s, want RUNNING", o.State())
	}
	// Start while running is idempotent.
	if err := o.Start(); err != nil {
		t.Errorf("repeat start: %v", err)
	}
	if err := o.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := o.Start(); err == nil {
		t.Error("start from PAUSED must fail")
	}
	if err := o.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	o.Stop()
	if o.State() != StateStopped {
		t.Errorf("state=%s, want STOPPED", o.State())
	}
}

func TestEffectivelyPaused(t *testing.T) {
	o, _ := newTestOrchestrator(t, idleRunner(), LoopConfig{})
	for _, tc := range []struct {
		state LoopState
		want  bool
	}{
		{StateStopped, true},
		{StatePaused, true},
		{StateRateLimited, true},
		{StateRunning, false},
		{StateShuttingDown, false},
	} {
		o.mu.Lock()
		o.state = tc.state
		o.mu.Unlock()
		if got := o.EffectivelyPaused(); got != tc.want {
			t.Errorf("%s: EffectivelyPaused=%v, want %v", tc.state, got, tc.want)
		}
	}
}

func TestInjectWhilePausedMarksUnprocessed(t *testing.T) {
	o, store := newTestOrchestrator(t, idleRunner(), LoopConfig{})

	if o.InjectMessage("are you there?") {
		t.Error("inject into a stopped loop must report deferred")
	}
	content, _ := store.Read(FileConversation)
	if !strings.Contains(content, "[UNPROCESSED] are you there?") {
		t.Errorf("missing unprocessed marker: %q", content)
	}
}

func TestInjectWhileRunningQueuesForNextPrompt(t *testing.T) {
	o, store := newTestOrchestrator(t, idleRunner(), LoopConfig{})
	o.mu.Lock()
	o.state = StateRunning
	o.mu.Unlock()

	if o.InjectMessage("between cycles") {
		t.Error("no live session, inject must report deferred")
	}
	content, _ := store.Read(FileConversation)
	if strings.Contains(content, unprocessedMarker) {
		t.Error("running loop must not mark messages unprocessed")
	}

	block := o.drainPending()
	if !strings.Contains(block, "Messages received since the last cycle:") ||
		!strings.Contains(block, "- between cycles") {
		t.Errorf("unexpected pending block: %q", block)
	}
	if o.drainPending() != "" {
		t.Error("drain must empty the queue")
	}
}

func TestInjectIntoLiveSessionViaOrchestrator(t *testing.T) {
	proc := &fakeProcess{block: make(chan struct{})}
	runner := &fakeRunner{script: func(Role, string) *fakeProcess { return proc }}
	o, store := newTestOrchestrator(t, runner, LoopConfig{})
	o.mu.Lock()
	o.state = StateRunning
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.launcher.Launch(context.Background(), RoleEgo, "live", nil)
		close(done)
	}()
	waitFor(t, o.launcher.Active)

	if !o.InjectMessage("live note") {
		t.Error("inject into live session must report delivered")
	}
	content, _ := store.Read(FileConversation)
	if !strings.Contains(content, "live note") || strings.Contains(content, unprocessedMarker) {
		t.Errorf("delivered message recorded wrong: %q", content)
	}

	o.launcher.Cancel()
	<-done
}

func TestCycleRunsEgoThenSubconscious(t *testing.T) {
	runner := idleRunner()
	o, _ := newTestOrchestrator(t, runner, LoopConfig{
		Mode:                  ModeCycle,
		CycleDelay:            time.Millisecond,
		SuperegoAuditInterval: 1000,
	})
	// Seeded plan has one open task, so the work path runs.
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		o.Run(context.Background())
		close(done)
	}()

	waitFor(t, func() bool { return len(runner.launches()) >= 2 })
	o.Shutdown()
	<-done

	got := runner.launches()
	if got[0] != RoleEgo || got[1] != RoleSubconscious {
		t.Errorf("expected EGO then SUBCONSCIOUS, got %v", got[:2])
	}
}

func TestIdlePathRunsIdThenAudit(t *testing.T) {
	runner := &fakeRunner{script: func(role Role, _ string) *fakeProcess {
		if role == RoleID {
			return &fakeProcess{out: completionLine(`"goals":["explore the charter"]`) + "\n"}
		}
		return &fakeProcess{out: completionLine("") + "\n"}
	}}
	o, store := newTestOrchestrator(t, runner, LoopConfig{
		Mode:                  ModeCycle,
		CycleDelay:            time.Millisecond,
		SuperegoAuditInterval: 1000,
	})
	// No open tasks: the idle path takes over.
	if err := store.Overwrite(FilePlan, "# Plan\n\n## Current Goal\n\nDone.\n\n## Tasks\n\n- [x] finished\n"); err != nil {
		t.Fatal(err)
	}

	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		o.Run(context.Background())
		close(done)
	}()
	waitFor(t, func() bool { return len(runner.launches()) >= 2 })
	o.Shutdown()
	<-done

	got := runner.launches()
	if got[0] != RoleID || got[1] != RoleSuperego {
		t.Errorf("expected ID then SUPEREGO, got %v", got[:2])
	}
	// The Id's candidates reach the Superego prompt.
	if !strings.Contains(runner.prompts[1], "explore the charter") {
		t.Error("goal candidates missing from audit prompt")
	}
}

func TestTickModeRotatesRoles(t *testing.T) {
	runner := idleRunner()
	o, _ := newTestOrchestrator(t, runner, LoopConfig{
		Mode:                  ModeTick,
		CycleDelay:            time.Millisecond,
		SuperegoAuditInterval: 1000,
	})
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		o.Run(context.Background())
		close(done)
	}()
	waitFor(t, func() bool { return len(runner.launches()) >= 4 })
	o.Shutdown()
	<-done

	got := runner.launches()
	want := []Role{RoleEgo, RoleSubconscious, RoleEgo, RoleSubconscious}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("tick %d: expected %s, got %s (all: %v)", i, w, got[i], got[:4])
		}
	}
}

func TestBusSurvivesLoopRestart(t *testing.T) {
	store := newTestStore(t)
	conv := NewConversationManager(store, testLogger())
	launcher := NewLauncher(SessionConfig{Timeout: time.Second, Grace: time.Millisecond}, idleRunner(), testLogger())
	sink := &captureProvider{id: "sink", types: []string{"a.b"}, ready: true}
	bus := startedBus(t, sink)
	o := NewOrchestrator(store, conv, launcher, bus, LoopConfig{CycleDelay: time.Hour}, testLogger(), nil)

	bus.Publish(Message{Type: "a.b"})
	waitFor(t, func() bool { return len(sink.received()) == 1 })

	o.Stop()
	if err := o.Start(); err != nil {
		t.Fatalf("start after stop: %v", err)
	}

	// The bus outlives a loop stop; only Shutdown tears it down.
	bus.Publish(Message{Type: "a.b"})
	waitFor(t, func() bool { return len(sink.received()) == 2 })
}

func TestColdStartResetsCycleCounter(t *testing.T) {
	o, _ := newTestOrchestrator(t, idleRunner(), LoopConfig{})
	o.mu.Lock()
	o.cycleNumber = 7
	o.idleCycles = 3
	o.tickRotation = 5
	o.mu.Unlock()

	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	if got := o.Status().CycleNumber; got != 0 {
		t.Errorf("cold start must begin a fresh run, cycleNumber=%d", got)
	}
	o.mu.Lock()
	idle, rotation := o.idleCycles, o.tickRotation
	o.mu.Unlock()
	if idle != 0 || rotation != 0 {
		t.Errorf("cold start left idleCycles=%d tickRotation=%d", idle, rotation)
	}

	// Lifting a rate-limit park is a resume, not a fresh run.
	o.mu.Lock()
	o.state = StateRateLimited
	o.cycleNumber = 7
	o.mu.Unlock()
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	if got := o.Status().CycleNumber; got != 7 {
		t.Errorf("rate-limit resume must keep the counter, cycleNumber=%d", got)
	}
}

func TestCycleEmitsSessionAndDurationEvents(t *testing.T) {
	runner := idleRunner()
	o, _ := newTestOrchestrator(t, runner, LoopConfig{
		Mode:                  ModeCycle,
		CycleDelay:            time.Millisecond,
		SuperegoAuditInterval: 1000,
	})
	var mu sync.Mutex
	var events []LoopEvent
	o.Subscribe(func(ev LoopEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		o.Run(context.Background())
		close(done)
	}()
	waitFor(t, func() bool { return len(runner.launches()) >= 2 })
	o.Shutdown()
	<-done

	mu.Lock()
	defer mu.Unlock()
	var sessions, cycles int
	for _, ev := range events {
		switch ev.Type {
		case EvSessionEnded:
			sessions++
			if ev.Data["role"] == "" || ev.Data["status"] == "" {
				t.Errorf("session_ended missing role/status: %v", ev.Data)
			}
			if _, ok := ev.Data["durationMs"].(int64); !ok {
				t.Errorf("session_ended missing durationMs: %v", ev.Data)
			}
		case EvCycleComplete:
			cycles++
			if _, ok := ev.Data["durationMs"].(int64); !ok {
				t.Errorf("cycle_complete missing durationMs: %v", ev.Data)
			}
		}
	}
	if sessions < 2 {
		t.Errorf("expected a session_ended event per role session, got %d", sessions)
	}
	if cycles < 1 {
		t.Error("expected at least one cycle_complete event")
	}
}

func TestRateLimitParksThenResumes(t *testing.T) {
	runner := idleRunner()
	o, _ := newTestOrchestrator(t, runner, LoopConfig{
		Mode:                  ModeCycle,
		CycleDelay:            time.Millisecond,
		SuperegoAuditInterval: 1000,
	})
	o.RateLimit(time.Now().Add(30 * time.Millisecond))
	if o.State() != StateRateLimited {
		t.Fatalf("state=%s, want RATE_LIMITED", o.State())
	}
	st := o.Status()
	if st.RateLimitUntil == nil {
		t.Error("status must expose the rate limit horizon")
	}

	done := make(chan struct{})
	go func() {
		o.Run(context.Background())
		close(done)
	}()
	// The loop resumes on its own once the horizon passes.
	waitFor(t, func() bool { return len(runner.launches()) >= 1 })
	o.Shutdown()
	<-done
}

func TestRateLimitIgnoresPastHorizon(t *testing.T) {
	o, _ := newTestOrchestrator(t, idleRunner(), LoopConfig{})
	o.RateLimit(time.Now().Add(-time.Minute))
	if o.State() != StateStopped {
		t.Errorf("past horizon must not transition, state=%s", o.State())
	}
}

func TestWatchdogInjectsReminderOnStall(t *testing.T) {
	o, _ := newTestOrchestrator(t, idleRunner(), LoopConfig{
		Watchdog: WatchdogConfig{
			StallThreshold: 10 * time.Millisecond,
			CheckInterval:  5 * time.Millisecond,
		},
	})
	o.mu.Lock()
	o.state = StateRunning
	o.lastActivityAt = time.Now().Add(-time.Hour)
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go o.runWatchdog(ctx, done)

	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.pending) > 0
	})
	cancel()
	<-done

	if block := o.drainPending(); !strings.Contains(block, "stalled") {
		t.Errorf("expected stall reminder, got %q", block)
	}
}

func TestWatchdogForcesRestartOnDeepStall(t *testing.T) {
	o, _ := newTestOrchestrator(t, idleRunner(), LoopConfig{
		Watchdog: WatchdogConfig{
			StallThreshold:        5 * time.Millisecond,
			CheckInterval:         5 * time.Millisecond,
			ForceRestartThreshold: 10 * time.Millisecond,
		},
	})
	exitCode := make(chan int, 1)
	o.exit = func(code int) { exitCode <- code }
	o.mu.Lock()
	o.state = StateRunning
	o.lastActivityAt = time.Now().Add(-time.Hour)
	o.mu.Unlock()

	done := make(chan struct{})
	go o.runWatchdog(context.Background(), done)

	select {
	case code := <-exitCode:
		if code != ExitRestart {
			t.Errorf("exit code %d, want %d", code, ExitRestart)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never forced a restart")
	}
	<-done
}

func TestIdleSleepStretchesDelay(t *testing.T) {
	o, _ := newTestOrchestrator(t, idleRunner(), LoopConfig{
		CycleDelay: time.Millisecond,
		IdleSleep:  IdleSleepConfig{Enabled: true, IdleCyclesBeforeSleep: 3},
	})
	tests := []struct {
		streak int
		factor int
	}{
		{0, 1}, {2, 1}, {3, 2}, {4, 4}, {5, 8}, {6, 10}, {20, 10},
	}
	for _, tc := range tests {
		if got := o.idleDelayFactor(tc.streak); got != tc.factor {
			t.Errorf("streak %d: factor %d, want %d", tc.streak, got, tc.factor)
		}
	}
}

func TestAuditEveryNthCycle(t *testing.T) {
	runner := idleRunner()
	o, _ := newTestOrchestrator(t, runner, LoopConfig{
		Mode:                  ModeCycle,
		CycleDelay:            time.Millisecond,
		SuperegoAuditInterval: 2,
	})
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		o.Run(context.Background())
		close(done)
	}()
	// Two cycles of Ego+Subconscious plus one audit after the second.
	waitFor(t, func() bool {
		for _, r := range runner.launches() {
			if r == RoleSuperego {
				return true
			}
		}
		return false
	})
	o.Shutdown()
	<-done

	launches := runner.launches()
	count := 0
	for _, r := range launches[:5] {
		if r == RoleSuperego {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one audit in the first five launches, got %v", launches[:5])
	}
}
