package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// LoopEvent is broadcast to UI subscribers over the /ws stream.
type LoopEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Loop event types.
const (
	EvStateChanged         = "state_changed"
	EvCycleComplete        = "cycle_complete"
	EvTickComplete         = "tick_complete"
	EvSessionEnded         = "session_ended"
	EvIdle                 = "idle"
	EvProcessOutput        = "process_output"
	EvConversationResponse = "conversation_response"
	EvAgoraMessage         = "agora_message"
)

// WatchdogConfig controls stall detection.
type WatchdogConfig struct {
	StallThreshold        time.Duration
	CheckInterval         time.Duration
	ForceRestartThreshold time.Duration
}

// IdleSleepConfig stretches the cycle delay after repeated idle cycles.
type IdleSleepConfig struct {
	Enabled               bool
	IdleCyclesBeforeSleep int
}

// LoopConfig is the orchestrator's resolved configuration.
type LoopConfig struct {
	Mode                  LoopMode
	CycleDelay            time.Duration
	SuperegoAuditInterval int
	ShutdownGrace         time.Duration
	Watchdog              WatchdogConfig
	IdleSleep             IdleSleepConfig
}

// pendingQueueCap bounds the deferred-message FIFO drained into the next
// Ego prompt.
const pendingQueueCap = 64

// idleSleepMaxFactor caps how far idle sleep stretches the cycle delay.
const idleSleepMaxFactor = 10

// Status is the externally visible loop state snapshot.
type Status struct {
	State          LoopState  `json:"state"`
	RateLimitUntil *time.Time `json:"rateLimitUntil,omitempty"`
	CycleNumber    int        `json:"cycleNumber"`
}

// Orchestrator owns the loop state machine. It is the single authority on
// "effective pause": every other component (providers, API) queries it.
type Orchestrator struct {
	store     *Store
	conv      *ConversationManager
	launcher  *Launcher
	bus       *Bus
	proposals *ProposalQueue
	agents    map[Role]*RoleAgent
	metrics   *HealthMetrics
	logger    *slog.Logger
	tracer    Tracer
	cfg       LoopConfig
	now       func() time.Time
	// exit is called for watchdog-forced restarts. Defaults to os.Exit;
	// tests substitute.
	exit func(code int)

	mu             sync.Mutex
	state          LoopState
	cycleNumber    int
	idleCycles     int
	tickRotation   int
	rateLimitUntil time.Time
	lastActivityAt time.Time
	pending        []string
	wake           chan struct{}

	listenerMu sync.Mutex
	listeners  []func(LoopEvent)
}

// NewOrchestrator wires the loop. The bus and metrics may be nil.
func NewOrchestrator(store *Store, conv *ConversationManager, launcher *Launcher, bus *Bus, cfg LoopConfig, logger *slog.Logger, tracer Tracer) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SuperegoAuditInterval <= 0 {
		cfg.SuperegoAuditInterval = 5
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeCycle
	}
	o := &Orchestrator{
		store:     store,
		conv:      conv,
		launcher:  launcher,
		bus:       bus,
		proposals: &ProposalQueue{},
		logger:    logger,
		tracer:    tracer,
		cfg:       cfg,
		now:       time.Now,
		exit:      os.Exit,
		state:     StateStopped,
		wake:      make(chan struct{}, 1),
	}
	o.agents = map[Role]*RoleAgent{
		RoleEgo:          NewRoleAgent(RoleEgo, store, conv, launcher, o.proposals, logger, tracer),
		RoleSubconscious: NewRoleAgent(RoleSubconscious, store, conv, launcher, o.proposals, logger, tracer),
		RoleSuperego:     NewRoleAgent(RoleSuperego, store, conv, launcher, o.proposals, logger, tracer),
		RoleID:           NewRoleAgent(RoleID, store, conv, launcher, o.proposals, logger, tracer),
	}
	o.lastActivityAt = o.now()
	return o
}

// SetMetrics attaches the per-cycle health recorder.
func (o *Orchestrator) SetMetrics(m *HealthMetrics) { o.metrics = m }

// Subscribe registers a loop event listener. Listeners must not block.
func (o *Orchestrator) Subscribe(fn func(LoopEvent)) {
	o.listenerMu.Lock()
	o.listeners = append(o.listeners, fn)
	o.listenerMu.Unlock()
}

// Emit broadcasts a loop event to all subscribers.
func (o *Orchestrator) Emit(ev LoopEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now()
	}
	o.listenerMu.Lock()
	listeners := make([]func(LoopEvent), len(o.listeners))
	copy(listeners, o.listeners)
	o.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// State returns the current loop state.
func (o *Orchestrator) State() LoopState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns the external status snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{State: o.state, CycleNumber: o.cycleNumber}
	if o.state == StateRateLimited && !o.rateLimitUntil.IsZero() {
		t := o.rateLimitUntil
		st.RateLimitUntil = &t
	}
	return st
}

// EffectivelyPaused reports whether messages arriving now should be marked
// [UNPROCESSED]. Single authority for the whole process.
func (o *Orchestrator) EffectivelyPaused() bool {
	switch o.State() {
	case StatePaused, StateStopped, StateRateLimited:
		return true
	}
	return false
}

func (o *Orchestrator) transition(to LoopState, reason string) {
	o.mu.Lock()
	from := o.state
	if from == to {
		o.mu.Unlock()
		return
	}
	o.state = to
	o.mu.Unlock()

	o.logger.Info("loop state changed", "from", from, "to", to, "reason", reason)
	o.Emit(LoopEvent{Type: EvStateChanged, Data: map[string]any{
		"from": string(from), "to": string(to), "reason": reason,
	}})
	o.poke()
}

// poke wakes the run loop out of any sleep.
func (o *Orchestrator) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Start transitions STOPPED to RUNNING at cycle 1, or lifts a RATE_LIMITED
// park early. A cold start is a fresh run: counters from the previous run do
// not carry over.
func (o *Orchestrator) Start() error {
	switch o.State() {
	case StateStopped:
		o.mu.Lock()
		o.cycleNumber = 0
		o.idleCycles = 0
		o.tickRotation = 0
		o.rateLimitUntil = time.Time{}
		o.mu.Unlock()
		o.transition(StateRunning, "start")
		return nil
	case StateRateLimited:
		o.mu.Lock()
		o.rateLimitUntil = time.Time{}
		o.mu.Unlock()
		o.transition(StateRunning, "start")
		return nil
	case StateRunning:
		return nil
	default:
		return fmt.Errorf("cannot start from %s", o.State())
	}
}

// Pause suspends the loop and cancels the current session with the
// configured grace period.
func (o *Orchestrator) Pause() error {
	if o.State() != StateRunning {
		return fmt.Errorf("cannot pause from %s", o.State())
	}
	o.transition(StatePaused, "pause")
	o.launcher.Cancel()
	return nil
}

// Resume continues a paused loop at the next cycle.
func (o *Orchestrator) Resume() error {
	if o.State() != StatePaused {
		return fmt.Errorf("cannot resume from %s", o.State())
	}
	o.transition(StateRunning, "resume")
	return nil
}

// Stop halts the loop from any state: the session is cancelled and locks
// fall out naturally with the aborted operations. The bus stays up so that
// messages arriving while stopped still reach CONVERSATION; only Shutdown
// tears it down.
func (o *Orchestrator) Stop() {
	o.transition(StateStopped, "stop")
	o.launcher.Cancel()
}

// Shutdown is Stop plus process exit intent; Run returns once the state
// lands in SHUTTING_DOWN.
func (o *Orchestrator) Shutdown() {
	o.transition(StateShuttingDown, "shutdown")
	o.launcher.Cancel()
	if o.bus != nil {
		o.bus.Stop(o.cfg.ShutdownGrace)
	}
}

// RateLimit parks the loop until the given future time.
func (o *Orchestrator) RateLimit(until time.Time) {
	if !until.After(o.now()) {
		return
	}
	o.mu.Lock()
	o.rateLimitUntil = until
	o.mu.Unlock()
	o.transition(StateRateLimited, "rate limit until "+until.UTC().Format(time.RFC3339))
}

// InjectMessage delivers text into the live session if one is accepting
// input (returns true), otherwise defers it: queued for the next Ego prompt
// while running, or written to CONVERSATION with the [UNPROCESSED] marker
// while effectively paused (returns false).
func (o *Orchestrator) InjectMessage(text string) bool {
	o.markActivity()

	if o.launcher.Inject(text) {
		if err := o.conv.Append(RoleUser, text, false); err != nil {
			o.logger.Warn("conversation append failed", "error", err)
		}
		o.Emit(LoopEvent{Type: EvProcessOutput, Data: map[string]any{
			"injected": true, "content": text,
		}})
		o.poke()
		return true
	}

	if o.EffectivelyPaused() {
		if err := o.conv.Append(RoleUser, text, true); err != nil {
			o.logger.Warn("conversation append failed", "error", err)
		}
		return false
	}

	if err := o.conv.Append(RoleUser, text, false); err != nil {
		o.logger.Warn("conversation append failed", "error", err)
	}
	o.mu.Lock()
	if len(o.pending) < pendingQueueCap {
		o.pending = append(o.pending, text)
	} else {
		o.logger.Warn("pending message queue full, dropping", "len", len(o.pending))
	}
	o.mu.Unlock()
	o.poke()
	return false
}

// drainPending empties the deferred-message queue into prompt context.
func (o *Orchestrator) drainPending() string {
	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()
	if len(pending) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Messages received since the last cycle:\n")
	for _, msg := range pending {
		b.WriteString("- ")
		b.WriteString(msg)
		b.WriteByte('\n')
	}
	return b.String()
}

func (o *Orchestrator) markActivity() {
	o.mu.Lock()
	o.lastActivityAt = o.now()
	o.mu.Unlock()
}

// LastActivityAt reports the newest of session activity and substrate
// writes. The watchdog reads this; it never shares any other lock with the
// run loop.
func (o *Orchestrator) LastActivityAt() time.Time {
	o.mu.Lock()
	last := o.lastActivityAt
	o.mu.Unlock()
	if w := o.store.LastWriteAt(); w.After(last) {
		last = w
	}
	return last
}

// Run drives the loop until ctx is cancelled or Shutdown is called. It owns
// the loop-state variable; all control operations go through the
// transition methods.
func (o *Orchestrator) Run(ctx context.Context) error {
	watchdogDone := make(chan struct{})
	if o.cfg.Watchdog.CheckInterval > 0 {
		go o.runWatchdog(ctx, watchdogDone)
	} else {
		close(watchdogDone)
	}
	defer func() { <-watchdogDone }()

	for {
		select {
		case <-ctx.Done():
			o.transition(StateStopped, "context cancelled")
			return ctx.Err()
		default:
		}

		switch o.State() {
		case StateShuttingDown:
			return nil
		case StateStopped, StatePaused:
			select {
			case <-ctx.Done():
			case <-o.wake:
			}
		case StateRateLimited:
			o.mu.Lock()
			until := o.rateLimitUntil
			o.mu.Unlock()
			if wait := until.Sub(o.now()); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
				case <-o.wake:
				case <-timer.C:
					o.transition(StateRunning, "rate limit horizon reached")
				}
				timer.Stop()
			} else {
				o.transition(StateRunning, "rate limit horizon reached")
			}
		case StateRunning:
			o.runIteration(ctx)
			o.sleepBetweenCycles(ctx)
		}
	}
}

// runIteration executes one loop iteration in the configured mode.
func (o *Orchestrator) runIteration(ctx context.Context) {
	iterCtx := ctx
	if o.tracer != nil {
		var span Span
		iterCtx, span = o.tracer.Start(ctx, "loop.cycle",
			IntAttr("cycle", o.cycleNumber+1),
			StringAttr("mode", string(o.cfg.Mode)))
		defer span.End()
	}

	o.mu.Lock()
	o.cycleNumber++
	cycle := o.cycleNumber
	o.mu.Unlock()

	start := o.now()
	var sessionStatus SessionStatus

	switch o.cfg.Mode {
	case ModeTick:
		sessionStatus = o.runTick(iterCtx)
	default:
		sessionStatus = o.runCycle(iterCtx, cycle)
	}

	// Audit every N cycles, before the cycle delay.
	if o.State() == StateRunning && cycle%o.cfg.SuperegoAuditInterval == 0 {
		o.runAudit(iterCtx, "")
	}

	// Archive at most once per cycle; both triggers are disjunctive.
	if _, err := o.conv.MaybeArchive(); err != nil {
		o.logger.Warn("conversation archive failed", "error", err)
	}

	o.mu.Lock()
	idleCycles := o.idleCycles
	state := o.state
	o.mu.Unlock()

	durationMs := o.now().Sub(start).Milliseconds()
	if o.metrics != nil {
		o.metrics.RecordCycle(CycleRecord{
			Cycle:         cycle,
			State:         state,
			DurationMs:    durationMs,
			IdleStreak:    idleCycles,
			SessionStatus: sessionStatus,
		})
	}

	evType := EvCycleComplete
	if o.cfg.Mode == ModeTick {
		evType = EvTickComplete
	}
	o.Emit(LoopEvent{Type: evType, Data: map[string]any{
		"cycle":      cycle,
		"idleStreak": idleCycles,
		"durationMs": durationMs,
		"timedOut":   sessionStatus == SessionTimedOut,
	}})
}

// runCycle runs the full Ego → Subconscious pass, or the idle path when the
// plan has no open tasks.
func (o *Orchestrator) runCycle(ctx context.Context, cycle int) SessionStatus {
	open, err := o.openTaskCount()
	if err != nil {
		o.logger.Warn("plan read failed", "error", err)
	}

	if open == 0 {
		o.mu.Lock()
		o.idleCycles++
		streak := o.idleCycles
		o.mu.Unlock()
		o.Emit(LoopEvent{Type: EvIdle, Data: map[string]any{"streak": streak}})
		return o.runIdlePath(ctx)
	}

	o.mu.Lock()
	o.idleCycles = 0
	o.mu.Unlock()

	status := o.runRole(ctx, RoleEgo, o.drainPending())
	if o.State() != StateRunning {
		return status
	}
	return o.runRole(ctx, RoleSubconscious, "")
}

// runTick runs exactly one role per iteration, rotating Ego and
// Subconscious; the idle path replaces the rotation when the plan is empty.
func (o *Orchestrator) runTick(ctx context.Context) SessionStatus {
	open, _ := o.openTaskCount()
	if open == 0 {
		o.mu.Lock()
		o.idleCycles++
		streak := o.idleCycles
		o.mu.Unlock()
		o.Emit(LoopEvent{Type: EvIdle, Data: map[string]any{"streak": streak}})
		return o.runIdlePath(ctx)
	}
	o.mu.Lock()
	o.idleCycles = 0
	turn := o.tickRotation
	o.tickRotation++
	o.mu.Unlock()

	if turn%2 == 0 {
		return o.runRole(ctx, RoleEgo, o.drainPending())
	}
	return o.runRole(ctx, RoleSubconscious, "")
}

// runIdlePath runs Id for goal candidates, then Superego to accept or
// reject them into the plan.
func (o *Orchestrator) runIdlePath(ctx context.Context) SessionStatus {
	agent := o.agents[RoleID]
	outcome, err := agent.Run(ctx, "", o.sessionObserver(RoleID))
	o.noteOutcome(outcome, err)
	if o.State() != StateRunning {
		return outcome.Session.Status
	}
	if len(outcome.GoalCandidates) == 0 {
		return outcome.Session.Status
	}

	var b strings.Builder
	b.WriteString("Goal candidates from the Id, for your ruling. Accept by writing them into PLAN; otherwise reject:\n")
	for _, g := range outcome.GoalCandidates {
		b.WriteString("- ")
		b.WriteString(g)
		b.WriteByte('\n')
	}
	return o.runAudit(ctx, b.String())
}

// runAudit runs the Superego with optional extra prompt context and writes
// its report under audit/.
func (o *Orchestrator) runAudit(ctx context.Context, extra string) SessionStatus {
	agent := o.agents[RoleSuperego]
	outcome, err := agent.Run(ctx, extra, o.sessionObserver(RoleSuperego))
	o.noteOutcome(outcome, err)
	if err == nil && outcome.Result != "" {
		if name, werr := agent.WriteAuditReport(outcome.Result); werr != nil {
			o.logger.Warn("audit report write failed", "error", werr)
		} else {
			o.logger.Info("audit report written", "report", name)
		}
	}
	return outcome.Session.Status
}

func (o *Orchestrator) runRole(ctx context.Context, role Role, extra string) SessionStatus {
	agent := o.agents[role]
	outcome, err := agent.Run(ctx, extra, o.sessionObserver(role))
	o.noteOutcome(outcome, err)
	return outcome.Session.Status
}

// noteOutcome applies cross-cutting outcome effects: activity tracking,
// rate-limit transitions, and the session_ended event that feeds UI
// subscribers and the metric instruments.
func (o *Orchestrator) noteOutcome(outcome RoleOutcome, err error) {
	o.markActivity()
	o.Emit(LoopEvent{Type: EvSessionEnded, Data: map[string]any{
		"role":       string(outcome.Session.Role),
		"status":     string(outcome.Session.Status),
		"durationMs": outcome.Session.DurationMs,
	}})
	if !outcome.RateLimitUntil.IsZero() && outcome.RateLimitUntil.After(o.now()) {
		o.RateLimit(outcome.RateLimitUntil)
	}
	if err != nil {
		o.logger.Warn("role session error", "role", outcome.Session.Role, "error", err)
	}
}

// sessionObserver forwards parsed session events to UI subscribers and
// tracks activity for the watchdog.
func (o *Orchestrator) sessionObserver(role Role) EventObserver {
	return func(ev SessionEvent) {
		o.markActivity()
		data := map[string]any{"role": string(role), "content": ev.Content}
		switch ev.Type {
		case EventCompletion:
			o.Emit(LoopEvent{Type: EvConversationResponse, Data: data})
		default:
			data["eventType"] = string(ev.Type)
			o.Emit(LoopEvent{Type: EvProcessOutput, Data: data})
		}
	}
}

// openTaskCount counts unchecked task-list items in PLAN.
func (o *Orchestrator) openTaskCount() (int, error) {
	content, err := o.store.Read(FilePlan)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- [ ]") || strings.HasPrefix(trimmed, "* [ ]") {
			count++
		}
	}
	return count, nil
}

// sleepBetweenCycles waits the configured cycle delay, stretched by idle
// sleep, waking early on any injected message or control change.
func (o *Orchestrator) sleepBetweenCycles(ctx context.Context) {
	delay := o.cfg.CycleDelay
	if delay <= 0 {
		return
	}
	if o.cfg.IdleSleep.Enabled {
		o.mu.Lock()
		streak := o.idleCycles
		o.mu.Unlock()
		delay *= time.Duration(o.idleDelayFactor(streak))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-o.wake:
	case <-timer.C:
	}
}

// idleDelayFactor doubles the cycle delay for each idle cycle past the sleep
// threshold, capped at idleSleepMaxFactor.
func (o *Orchestrator) idleDelayFactor(streak int) int {
	threshold := o.cfg.IdleSleep.IdleCyclesBeforeSleep
	if threshold <= 0 || streak < threshold {
		return 1
	}
	factor := 1 << min(streak-threshold+1, 4)
	if factor > idleSleepMaxFactor {
		factor = idleSleepMaxFactor
	}
	return factor
}

// runWatchdog observes activity on its own timer. A stall injects a
// reminder; persistent inactivity exits with the restart code so the
// supervisor re-spawns the host.
func (o *Orchestrator) runWatchdog(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.Watchdog.CheckInterval)
	defer ticker.Stop()

	var reminded bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if o.State() != StateRunning {
			reminded = false
			continue
		}
		idle := o.now().Sub(o.LastActivityAt())
		if o.cfg.Watchdog.ForceRestartThreshold > 0 && idle >= o.cfg.Watchdog.ForceRestartThreshold {
			o.logger.Error("loop stalled past force-restart threshold, exiting for supervisor restart",
				"idle", idle)
			o.exit(ExitRestart)
			return
		}
		if !reminded && o.cfg.Watchdog.StallThreshold > 0 && idle >= o.cfg.Watchdog.StallThreshold {
			o.logger.Warn("loop stall detected, injecting reminder", "idle", idle)
			o.InjectMessage("The loop appears stalled. Summarize where you are and take the next smallest step.")
			reminded = true
		}
		if idle < o.cfg.Watchdog.StallThreshold {
			reminded = false
		}
	}
}
