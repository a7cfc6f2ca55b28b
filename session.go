package substrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// SessionConfig controls how reasoning subprocesses are launched.
type SessionConfig struct {
	// Command and Args name the external reasoning executable. The role and
	// prompt are appended as the final two arguments.
	Command string
	Args    []string
	// Models selects the reasoning model per role, passed as --model before
	// the role argument. Empty entries use the command's default model.
	Models map[Role]string
	// Timeout is the default per-session wall-clock budget.
	Timeout time.Duration
	// RoleTimeouts overrides Timeout per role.
	RoleTimeouts map[Role]time.Duration
	// Grace is how long a terminated process gets between SIGTERM and
	// SIGKILL.
	Grace time.Duration
}

// Process is one running reasoning subprocess. The default implementation
// wraps os/exec; tests substitute fakes.
type Process interface {
	// Stdout streams the subprocess output, line-oriented.
	Stdout() io.Reader
	// Stderr streams diagnostic output.
	Stderr() io.Reader
	// Inject writes additional user input to the session's injection
	// channel. The session consumes it at its next safe point.
	Inject(text string) error
	// Terminate sends SIGTERM.
	Terminate() error
	// Kill sends SIGKILL.
	Kill() error
	// Wait blocks until exit and returns the exit code.
	Wait() int
}

// Runner starts reasoning subprocesses. Mockable host abstraction.
type Runner interface {
	Start(ctx context.Context, role Role, prompt string) (Process, error)
}

// EventObserver receives parsed session events as they stream in.
type EventObserver func(SessionEvent)

// Launcher runs at most one reasoning subprocess at a time. It streams
// stdout line by line into typed events, supports mid-flight injection, and
// enforces the wall-clock budget with SIGTERM then SIGKILL after the grace
// period.
type Launcher struct {
	cfg    SessionConfig
	runner Runner
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active *liveSession
}

type liveSession struct {
	role    Role
	proc    Process
	started time.Time
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewLauncher creates a Launcher. A nil runner gets the exec-backed default.
func NewLauncher(cfg SessionConfig, runner Runner, logger *slog.Logger) *Launcher {
	if runner == nil {
		runner = &execRunner{cfg: cfg}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	return &Launcher{cfg: cfg, runner: runner, logger: logger, now: time.Now}
}

// Active reports whether a session is currently live.
func (l *Launcher) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active != nil
}

// Inject forwards text into the live session's injection channel. Returns
// false when no session is active or the session no longer accepts input;
// the caller must buffer the text.
func (l *Launcher) Inject(text string) bool {
	l.mu.Lock()
	s := l.active
	l.mu.Unlock()
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	if err := s.proc.Inject(text); err != nil {
		l.logger.Warn("session injection failed", "role", s.role, "error", err)
		return false
	}
	return true
}

// Cancel terminates the live session, if any: SIGTERM, then SIGKILL after
// the grace period. Blocks until the session has been reaped.
func (l *Launcher) Cancel() {
	l.mu.Lock()
	s := l.active
	l.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// timeoutFor resolves the wall-clock budget for a role.
func (l *Launcher) timeoutFor(role Role) time.Duration {
	if d, ok := l.cfg.RoleTimeouts[role]; ok && d > 0 {
		return d
	}
	if l.cfg.Timeout > 0 {
		return l.cfg.Timeout
	}
	return 10 * time.Minute
}

// Launch spawns the reasoning subprocess for role with the given prompt and
// blocks until it ends. Parsed events are forwarded to observer as they
// stream. Only one session may be live per launcher.
func (l *Launcher) Launch(ctx context.Context, role Role, prompt string, observer EventObserver) (SessionResult, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	if l.active != nil {
		l.mu.Unlock()
		return SessionResult{}, ErrSessionActive
	}

	proc, err := l.runner.Start(sessionCtx, role, prompt)
	if err != nil {
		l.mu.Unlock()
		return SessionResult{}, fmt.Errorf("launch %s session: %w", role, err)
	}
	s := &liveSession{role: role, proc: proc, started: l.now(), done: make(chan struct{}), cancel: cancel}
	l.active = s
	l.mu.Unlock()

	defer func() {
		close(s.done)
		l.mu.Lock()
		l.active = nil
		l.mu.Unlock()
	}()

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stdout.WriteString(line)
			stdout.WriteByte('\n')
			if ev, ok := ParseSessionLine(line); ok && observer != nil {
				observer(ev)
			}
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderr, proc.Stderr()) //nolint:errcheck // best-effort capture
	}()

	// Reap in the background so the timeout path can race it. The pipes are
	// drained first: Wait on an exec-backed process closes them, and the
	// final buffered lines carry the completion event.
	exitCh := make(chan int, 1)
	go func() {
		wg.Wait()
		exitCh <- proc.Wait()
	}()

	timeout := l.timeoutFor(role)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	status := SessionCompleted
	var exitCode int
	select {
	case exitCode = <-exitCh:
	case <-timer.C:
		status = SessionTimedOut
		exitCode = l.reap(s, exitCh)
	case <-sessionCtx.Done():
		status = SessionCancelled
		exitCode = l.reap(s, exitCh)
	}

	dur := l.now().Sub(s.started)
	res := SessionResult{
		Role:       role,
		Status:     status,
		Success:    status == SessionCompleted && exitCode == 0,
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: dur.Milliseconds(),
	}
	l.logger.Info("session ended",
		"role", role,
		"status", status,
		"exit_code", exitCode,
		"duration_ms", res.DurationMs)

	if status == SessionTimedOut {
		return res, &ErrSessionTimeout{Role: role, Elapsed: dur}
	}
	return res, nil
}

// reap terminates a process that must die: SIGTERM, grace period, SIGKILL.
// Returns the exit code once the process is gone.
func (l *Launcher) reap(s *liveSession, exitCh <-chan int) int {
	if err := s.proc.Terminate(); err != nil {
		l.logger.Warn("terminate failed, killing", "role", s.role, "error", err)
	}
	select {
	case code := <-exitCh:
		return code
	case <-time.After(l.cfg.Grace):
	}
	_ = s.proc.Kill()
	return <-exitCh
}

// ParseSessionLine converts one stdout line into a typed event. Lines that
// are JSON objects with a "type" field map onto the event set; anything else
// is plain text output.
func ParseSessionLine(line string) (SessionEvent, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return SessionEvent{}, false
	}
	if !strings.HasPrefix(trimmed, "{") {
		return SessionEvent{Type: EventText, Content: trimmed, Raw: line}, true
	}

	var parsed struct {
		Type           string `json:"type"`
		Text           string `json:"text"`
		Tool           string `json:"tool"`
		Result         string `json:"result"`
		IsError        bool   `json:"is_error"`
		Message        string `json:"message"`
		RateLimitUntil string `json:"rateLimitUntil"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil || parsed.Type == "" {
		// Malformed JSON degrades to text rather than being dropped.
		return SessionEvent{Type: EventText, Content: trimmed, Raw: line}, true
	}

	ev := SessionEvent{Raw: line}
	switch parsed.Type {
	case "text", "assistant":
		ev.Type = EventText
		ev.Content = parsed.Text
	case "tool_use":
		ev.Type = EventToolUse
		ev.Tool = parsed.Tool
		ev.Content = parsed.Text
	case "result", "completion":
		ev.Type = EventCompletion
		ev.Content = parsed.Result
		if parsed.IsError {
			ev.Type = EventError
			ev.Content = parsed.Result
		}
		if parsed.RateLimitUntil != "" {
			if ts, err := time.Parse(time.RFC3339, parsed.RateLimitUntil); err == nil {
				ev.RateLimitUntil = ts
			}
		}
	case "error":
		ev.Type = EventError
		ev.Content = parsed.Message
	default:
		ev.Type = EventText
		ev.Content = trimmed
	}
	return ev, true
}

// --- exec-backed runner ---

// execRunner is the production Runner: it spawns the configured command with
// the role and prompt as trailing arguments, keeping stdin open as the
// injection channel.
type execRunner struct {
	cfg SessionConfig
}

type execProcess struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	stdin   io.WriteCloser
	stdinMu sync.Mutex
}

// launchArgs assembles the argv: configured args, the role's model selector
// when one is set, then the role and prompt.
func (r *execRunner) launchArgs(role Role, prompt string) []string {
	args := append([]string{}, r.cfg.Args...)
	if m := r.cfg.Models[role]; m != "" {
		args = append(args, "--model", m)
	}
	return append(args, strings.ToLower(string(role)), prompt)
}

func (r *execRunner) Start(ctx context.Context, role Role, prompt string) (Process, error) {
	cmd := exec.Command(r.cfg.Command, r.launchArgs(role, prompt)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr, stdin: stdin}, nil
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

// Inject writes one injection message to the subprocess stdin as a JSON
// line, serialised against concurrent injections.
func (p *execProcess) Inject(text string) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	msg, err := json.Marshal(map[string]string{"type": "user", "text": text})
	if err != nil {
		return err
	}
	_, err = p.stdin.Write(append(msg, '\n'))
	return err
}

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
