package substrate

import (
	"errors"
	"fmt"
	"time"
)

// ErrPermissionDenied reports a role writing outside its declared write-set.
// Fatal to the current session, never to the loop.
type ErrPermissionDenied struct {
	Role Role
	Kind FileKind
}

func (e *ErrPermissionDenied) Error() string {
	return fmt.Sprintf("%s may not write %s", e.Role, e.Kind)
}

// ErrValidation reports structurally invalid substrate content. Surfaced to
// the caller and never retried internally.
type ErrValidation struct {
	Kind   FileKind
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// ErrSessionTimeout reports a session exceeding its wall-clock budget.
type ErrSessionTimeout struct {
	Role    Role
	Elapsed time.Duration
}

func (e *ErrSessionTimeout) Error() string {
	return fmt.Sprintf("%s session timed out after %s", e.Role, e.Elapsed)
}

// ErrRateLimited carries the future timestamp until which the loop must park.
type ErrRateLimited struct {
	Until time.Time
}

func (e *ErrRateLimited) Error() string {
	return "rate limited until " + e.Until.UTC().Format(time.RFC3339)
}

// Sentinel errors for bare conditions.
var (
	// ErrNotConnected is returned by outbound sends while the relay client
	// has no live connection. The bus may retry or defer.
	ErrNotConnected = errors.New("not connected")

	// ErrSessionDone is returned by Inject after the session has terminated;
	// the caller must buffer the text.
	ErrSessionDone = errors.New("session already terminated")

	// ErrSessionActive is returned by Launch while another session is live.
	// At most one session runs per host process.
	ErrSessionActive = errors.New("a session is already active")

	// ErrStopped is returned by orchestrator operations after Stop.
	ErrStopped = errors.New("loop stopped")
)

// ExitRestart is the distinguished process exit code requesting that the
// supervisor rebuild and re-spawn the host.
const ExitRestart = 75
