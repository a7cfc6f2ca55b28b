package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AgentRole is the capability record for one cognitive role: which substrate
// slices it may read, which it may write, and how its prompt is assembled.
// Roles form a closed set; there is no subclassing.
type AgentRole struct {
	Role     Role
	ReadSet  []FileKind
	WriteSet []FileKind
	// Intro opens the role's prompt before the substrate slices.
	Intro string
}

var allKinds = func() []FileKind {
	var kinds []FileKind
	for _, s := range fileSpecs {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}()

// roleRegistry is the closed role set with its declared capabilities.
var roleRegistry = map[Role]AgentRole{
	RoleEgo: {
		Role:     RoleEgo,
		ReadSet:  allKinds,
		WriteSet: []FileKind{FilePlan, FileConversation},
		Intro: "You are the Ego. Review the substrate and plan the next action. " +
			"Respond to any pending user or peer messages, then update the plan.",
	},
	RoleSubconscious: {
		Role:     RoleSubconscious,
		ReadSet:  []FileKind{FilePlan, FileMemory, FileSkills, FileProgress, FileCharter},
		WriteSet: []FileKind{FileProgress, FilePlan, FileSkills},
		Intro: "You are the Subconscious. Execute the single smallest open step " +
			"of the plan, record progress, and propose durable learnings.",
	},
	RoleSuperego: {
		Role:    RoleSuperego,
		ReadSet: allKinds,
		// PLAN for accepted idle goals; MEMORY/HABITS/SECURITY for approved
		// proposals. The audit report lives outside the enumerated set.
		WriteSet: []FileKind{FileProgress, FilePlan, FileMemory, FileHabits, FileSecurity},
		Intro: "You are the Superego. Audit recent activity against the charter " +
			"and values, and rule on pending proposals and goal candidates.",
	},
	RoleID: {
		Role:     RoleID,
		ReadSet:  []FileKind{FileIdentity, FileValues, FileCharter},
		WriteSet: nil, // feeds candidates to Superego, writes nothing
		Intro: "You are the Id. The plan is empty. Produce candidate goals that " +
			"fit the identity, values, and charter.",
	},
}

// RoleSpec returns the capability record for a role.
func RoleSpec(role Role) (AgentRole, bool) {
	r, ok := roleRegistry[role]
	return r, ok
}

// WriteOp is one substrate mutation requested by a session.
type WriteOp struct {
	Kind    FileKind `json:"file"`
	Append  bool     `json:"append,omitempty"`
	Content string   `json:"content"`
}

// Proposal is a deferred write suggested by a role that may not perform it
// directly. The Superego rules on pending proposals each audit.
type Proposal struct {
	ID      string   `json:"id"`
	Kind    FileKind `json:"file"`
	Content string   `json:"content"`
	Source  Role     `json:"source"`
}

// RoleOutcome is what a role's session produced, parsed from its stdout.
type RoleOutcome struct {
	Result         string
	Writes         []WriteOp
	Proposals      []Proposal
	Approvals      []string // proposal IDs approved by Superego
	Rejections     []string
	GoalCandidates []string // Id only
	RateLimitUntil time.Time
	Session        SessionResult
}

// ProposalQueue holds proposals between the role that raised them and the
// audit that rules on them.
type ProposalQueue struct {
	mu      sync.Mutex
	pending []Proposal
}

// Add queues proposals for the next audit.
func (q *ProposalQueue) Add(ps ...Proposal) {
	q.mu.Lock()
	q.pending = append(q.pending, ps...)
	q.mu.Unlock()
}

// Pending returns a snapshot of queued proposals.
func (q *ProposalQueue) Pending() []Proposal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Proposal, len(q.pending))
	copy(out, q.pending)
	return out
}

// Resolve removes the given proposal IDs and returns the removed entries.
func (q *ProposalQueue) Resolve(ids []string) []Proposal {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var resolved []Proposal
	var kept []Proposal
	for _, p := range q.pending {
		if idSet[p.ID] {
			resolved = append(resolved, p)
		} else {
			kept = append(kept, p)
		}
	}
	q.pending = kept
	return resolved
}

// RoleAgent runs sessions for one role and applies the permitted subset of
// the session's writes. Writes outside the declared set fail with
// ErrPermissionDenied, fatal to the session but never to the loop.
type RoleAgent struct {
	spec      AgentRole
	store     *Store
	conv      *ConversationManager
	launcher  *Launcher
	proposals *ProposalQueue
	logger    *slog.Logger
	tracer    Tracer
	// maxSliceRunes clips each substrate slice in the prompt.
	maxSliceRunes int
}

// NewRoleAgent builds the agent for role. Panics on unknown roles: the role
// set is closed and compiled in.
func NewRoleAgent(role Role, store *Store, conv *ConversationManager, launcher *Launcher, proposals *ProposalQueue, logger *slog.Logger, tracer Tracer) *RoleAgent {
	spec, ok := RoleSpec(role)
	if !ok {
		panic(fmt.Sprintf("unknown role %q", role))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleAgent{
		spec:          spec,
		store:         store,
		conv:          conv,
		launcher:      launcher,
		proposals:     proposals,
		logger:        logger,
		tracer:        tracer,
		maxSliceRunes: 20_000,
	}
}

// Role returns the agent's role.
func (a *RoleAgent) Role() Role { return a.spec.Role }

// BuildPrompt assembles the role prompt from the substrate slices the role
// may read, plus any extra context (queued user messages, pending proposals,
// goal candidates under audit).
func (a *RoleAgent) BuildPrompt(extra string) (string, error) {
	var b strings.Builder
	b.WriteString(a.spec.Intro)
	b.WriteString("\n\n")

	for _, kind := range a.spec.ReadSet {
		content, err := a.store.Read(kind)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", err
		}
		b.WriteString("<file name=\"")
		b.WriteString(string(kind))
		b.WriteString("\">\n")
		b.WriteString(clipRunes(content, a.maxSliceRunes))
		b.WriteString("\n</file>\n\n")
	}

	if a.spec.Role == RoleSuperego && a.proposals != nil {
		if pending := a.proposals.Pending(); len(pending) > 0 {
			raw, _ := json.Marshal(pending)
			b.WriteString("Pending proposals awaiting your ruling:\n")
			b.Write(raw)
			b.WriteString("\n\n")
		}
	}
	if extra != "" {
		b.WriteString(extra)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Run launches one session for the role and applies its outcome. Session
// failures are logged to PROGRESS and returned; they never escape the caller
// as panics or fatal loop errors.
func (a *RoleAgent) Run(ctx context.Context, extra string, observer EventObserver) (RoleOutcome, error) {
	runCtx := ctx
	var span Span
	if a.tracer != nil {
		runCtx, span = a.tracer.Start(ctx, "role.session", StringAttr("role", string(a.spec.Role)))
		defer span.End()
	}

	prompt, err := a.BuildPrompt(extra)
	if err != nil {
		return RoleOutcome{}, fmt.Errorf("build %s prompt: %w", a.spec.Role, err)
	}

	var rateLimitUntil time.Time
	wrapped := func(ev SessionEvent) {
		if !ev.RateLimitUntil.IsZero() {
			rateLimitUntil = ev.RateLimitUntil
		}
		if observer != nil {
			observer(ev)
		}
	}

	result, err := a.launcher.Launch(runCtx, a.spec.Role, prompt, wrapped)
	outcome := ParseOutcome(result)
	if outcome.RateLimitUntil.IsZero() {
		outcome.RateLimitUntil = rateLimitUntil
	}
	if span != nil {
		span.SetAttr(StringAttr("session.status", string(result.Status)),
			IntAttr("session.exit_code", result.ExitCode))
	}
	if err != nil {
		a.logProgress(fmt.Sprintf("session failed: %v", err))
		if span != nil {
			span.Error(err)
		}
		return outcome, err
	}
	if !result.Success {
		a.logProgress(fmt.Sprintf("session exited with code %d", result.ExitCode))
		return outcome, nil
	}

	if err := a.apply(outcome); err != nil {
		a.logProgress(fmt.Sprintf("write rejected: %v", err))
		return outcome, err
	}
	return outcome, nil
}

// apply commits the outcome: permitted writes, proposals to the queue, and
// Superego rulings on pending proposals.
func (a *RoleAgent) apply(outcome RoleOutcome) error {
	for _, op := range outcome.Writes {
		if !a.mayWrite(op.Kind) {
			return &ErrPermissionDenied{Role: a.spec.Role, Kind: op.Kind}
		}
		if err := a.commit(op); err != nil {
			return err
		}
	}

	if len(outcome.Proposals) > 0 && a.proposals != nil {
		// Only proposal-capable roles feed the queue; rulings come from audits.
		if a.spec.Role == RoleSubconscious {
			for i := range outcome.Proposals {
				outcome.Proposals[i].Source = a.spec.Role
			}
			a.proposals.Add(outcome.Proposals...)
		}
	}

	if a.spec.Role == RoleSuperego && a.proposals != nil {
		approved := a.proposals.Resolve(outcome.Approvals)
		for _, p := range approved {
			if err := a.commit(WriteOp{Kind: p.Kind, Content: p.Content, Append: kindAppends(p.Kind)}); err != nil {
				a.logger.Warn("approved proposal failed to apply", "proposal", p.ID, "error", err)
			}
		}
		if rejected := a.proposals.Resolve(outcome.Rejections); len(rejected) > 0 {
			a.logger.Info("proposals rejected", "count", len(rejected))
		}
	}
	return nil
}

func (a *RoleAgent) commit(op WriteOp) error {
	if op.Append || kindAppends(op.Kind) {
		return a.store.Append(op.Kind, a.spec.Role, op.Content)
	}
	if op.Kind == FileConversation {
		return a.conv.Append(a.spec.Role, op.Content, false)
	}
	return a.store.Overwrite(op.Kind, op.Content)
}

func kindAppends(kind FileKind) bool {
	spec, ok := SpecFor(kind)
	return ok && spec.Mode == WriteAppendOnly
}

func (a *RoleAgent) mayWrite(kind FileKind) bool {
	for _, k := range a.spec.WriteSet {
		if k == kind {
			return true
		}
	}
	return false
}

func (a *RoleAgent) logProgress(msg string) {
	if err := a.store.Append(FileProgress, a.spec.Role, msg); err != nil {
		a.logger.Warn("progress append failed", "role", a.spec.Role, "error", err)
	}
}

// WriteAuditReport writes a governance report under audit/ with a
// timestamped name. Superego only; the directory sits outside the
// enumerated substrate set.
func (a *RoleAgent) WriteAuditReport(content string) (string, error) {
	if a.spec.Role != RoleSuperego {
		return "", &ErrPermissionDenied{Role: a.spec.Role, Kind: "audit"}
	}
	name := fmt.Sprintf("audit-%s.md", a.store.now().UTC().Format("2006-01-02T15-04-05Z"))
	path := filepath.Join(a.store.Root(), "audit", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	if err := atomicWrite(path, []byte(content)); err != nil {
		return "", err
	}
	a.store.touch()
	return name, nil
}

// ParseOutcome extracts the structured outcome from a session's stdout: the
// last completion event's payload, which may carry writes, proposals,
// rulings, and goal candidates.
func ParseOutcome(result SessionResult) RoleOutcome {
	outcome := RoleOutcome{Session: result}
	for _, line := range strings.Split(result.Stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}
		var parsed struct {
			Type           string     `json:"type"`
			Result         string     `json:"result"`
			Writes         []WriteOp  `json:"writes"`
			Proposals      []Proposal `json:"proposals"`
			Approvals      []string   `json:"approvals"`
			Rejections     []string   `json:"rejections"`
			Goals          []string   `json:"goals"`
			RateLimitUntil string     `json:"rateLimitUntil"`
		}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			continue
		}
		if parsed.Type != "result" && parsed.Type != "completion" {
			continue
		}
		outcome.Result = parsed.Result
		outcome.Writes = parsed.Writes
		outcome.Proposals = parsed.Proposals
		outcome.Approvals = parsed.Approvals
		outcome.Rejections = parsed.Rejections
		outcome.GoalCandidates = parsed.Goals
		if parsed.RateLimitUntil != "" {
			if ts, err := time.Parse(time.RFC3339, parsed.RateLimitUntil); err == nil {
				outcome.RateLimitUntil = ts
			}
		}
	}
	return outcome
}

// clipRunes truncates s to n runes with a trim marker.
func clipRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n[...trimmed]"
}
