package substrate

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore creates an initialised store rooted in a temp dir.
func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	opts = append([]StoreOption{WithStoreLogger(testLogger())}, opts...)
	s := NewStore(t.TempDir(), opts...)
	if err := s.Init(); err != nil {
		t.Fatalf("store init: %v", err)
	}
	return s
}

// --- session fakes (shared across session_test.go, roles_test.go, loop_test.go) ---

// fakeProcess scripts one subprocess: fixed stdout/stderr and exit code.
// With block set, Wait hangs until Terminate or Kill.
type fakeProcess struct {
	out    string
	errOut string
	exit   int
	block  chan struct{}

	mu         sync.Mutex
	closeOnce  sync.Once
	injected   []string
	terminated bool
	killed     bool
}

func (p *fakeProcess) Stdout() io.Reader { return strings.NewReader(p.out) }
func (p *fakeProcess) Stderr() io.Reader { return strings.NewReader(p.errOut) }

func (p *fakeProcess) Inject(text string) error {
	p.mu.Lock()
	p.injected = append(p.injected, text)
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.release()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.release()
	return nil
}

func (p *fakeProcess) release() {
	if p.block != nil {
		p.closeOnce.Do(func() { close(p.block) })
	}
}

func (p *fakeProcess) Wait() int {
	if p.block != nil {
		<-p.block
	}
	return p.exit
}

// fakeRunner hands out scripted processes and records every launch.
type fakeRunner struct {
	mu      sync.Mutex
	script  func(role Role, prompt string) *fakeProcess
	roles   []Role
	prompts []string
}

func (r *fakeRunner) Start(_ context.Context, role Role, prompt string) (Process, error) {
	r.mu.Lock()
	r.roles = append(r.roles, role)
	r.prompts = append(r.prompts, prompt)
	script := r.script
	r.mu.Unlock()
	if script != nil {
		return script(role, prompt), nil
	}
	return &fakeProcess{}, nil
}

func (r *fakeRunner) launches() []Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Role, len(r.roles))
	copy(out, r.roles)
	return out
}

// completionLine renders a completion stdout line carrying raw JSON fields.
func completionLine(fields string) string {
	if fields == "" {
		return `{"type":"result","result":"done"}`
	}
	return `{"type":"result","result":"done",` + fields + `}`
}
