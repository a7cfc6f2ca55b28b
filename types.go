package substrate

import (
	"time"
)

// Role identifies one of the closed set of cognitive roles the loop runs.
type Role string

const (
	RoleEgo          Role = "EGO"
	RoleSubconscious Role = "SUBCONSCIOUS"
	RoleSuperego     Role = "SUPEREGO"
	RoleID           Role = "ID"
	RoleUser         Role = "USER"
	RoleSystem       Role = "SYSTEM"
	RoleAgora        Role = "AGORA"
)

// LoopState is the orchestrator's finite state.
type LoopState string

const (
	StateStopped      LoopState = "STOPPED"
	StateRunning      LoopState = "RUNNING"
	StatePaused       LoopState = "PAUSED"
	StateRateLimited  LoopState = "RATE_LIMITED"
	StateShuttingDown LoopState = "SHUTTING_DOWN"
)

// LoopMode selects how much of the cognitive cycle runs per loop iteration.
type LoopMode string

const (
	// ModeCycle runs a full Ego → Subconscious pass each iteration.
	ModeCycle LoopMode = "cycle"
	// ModeTick runs exactly one role per iteration, in rotation.
	ModeTick LoopMode = "tick"
)

// WriteMode constrains how a substrate file may be written.
type WriteMode int

const (
	// WriteOverwrite allows full-content replacement via temp-file-and-rename.
	WriteOverwrite WriteMode = iota
	// WriteAppendOnly allows only timestamped appends.
	WriteAppendOnly
	// WriteSections allows edits only through named-section operations.
	WriteSections
)

// FileKind is the stable symbolic name of a substrate document.
type FileKind string

const (
	FilePlan         FileKind = "PLAN"
	FileProgress     FileKind = "PROGRESS"
	FileConversation FileKind = "CONVERSATION"
	FileMemory       FileKind = "MEMORY"
	FileSkills       FileKind = "SKILLS"
	FileValues       FileKind = "VALUES"
	FileHabits       FileKind = "HABITS"
	FileIdentity     FileKind = "ID"
	FileSecurity     FileKind = "SECURITY"
	FileCharter      FileKind = "CHARTER"
	FileSuperego     FileKind = "SUPEREGO"
	FileAgoraInbox   FileKind = "AGORA_INBOX"
)

// FileSpec describes one substrate document: where it lives, how it may be
// written, and what a structurally valid instance looks like.
type FileSpec struct {
	Kind     FileKind
	Path     string // relative to the substrate root
	Mode     WriteMode
	Required bool
	// Headings that must be present as `##` sections, checked by the
	// markdown validator. Empty means free-form.
	RequiredHeadings []string
	// RequiresTaskList marks files that must contain at least one markdown
	// task-list item to validate (PLAN).
	RequiresTaskList bool
	Template         string // initial content written by Init
}

// fileSpecs is the canonical substrate file set, in canonical lock order.
// Multi-file operations must acquire locks in this order.
var fileSpecs = []FileSpec{
	{Kind: FilePlan, Path: "PLAN.md", Mode: WriteOverwrite, Required: true, RequiredHeadings: []string{"Current Goal", "Tasks"}, RequiresTaskList: true,
		Template: "# Plan\n\n## Current Goal\n\nNone yet.\n\n## Tasks\n\n- [ ] Review the charter and set an initial goal\n"},
	{Kind: FileProgress, Path: "PROGRESS.md", Mode: WriteAppendOnly, Required: true,
		Template: "# Progress\n"},
	{Kind: FileConversation, Path: "CONVERSATION.md", Mode: WriteAppendOnly, Required: true,
		Template: "# Conversation\n\n## Recent Conversation\n"},
	{Kind: FileMemory, Path: "MEMORY.md", Mode: WriteOverwrite, Required: true,
		Template: "# Memory\n"},
	{Kind: FileSkills, Path: "SKILLS.md", Mode: WriteAppendOnly, Required: true,
		Template: "# Skills\n"},
	{Kind: FileValues, Path: "VALUES.md", Mode: WriteOverwrite, Required: true,
		Template: "# Values\n"},
	{Kind: FileHabits, Path: "HABITS.md", Mode: WriteOverwrite, Required: true,
		Template: "# Habits\n"},
	{Kind: FileIdentity, Path: "ID.md", Mode: WriteOverwrite, Required: true,
		Template: "# Identity\n"},
	{Kind: FileSecurity, Path: "SECURITY.md", Mode: WriteOverwrite, Required: true,
		Template: "# Security\n"},
	{Kind: FileCharter, Path: "CHARTER.md", Mode: WriteOverwrite, Required: true,
		Template: "# Charter\n"},
	{Kind: FileSuperego, Path: "SUPEREGO.md", Mode: WriteOverwrite, Required: false,
		Template: "# Superego\n"},
	{Kind: FileAgoraInbox, Path: "AGORA_INBOX.md", Mode: WriteSections, Required: true, RequiredHeadings: []string{"Unread", "Read"},
		Template: "# Agora Inbox\n\n## Unread\n\n## Read\n"},
}

// SpecFor returns the FileSpec for kind. The second result is false for an
// unknown kind.
func SpecFor(kind FileKind) (FileSpec, bool) {
	for _, s := range fileSpecs {
		if s.Kind == kind {
			return s, true
		}
	}
	return FileSpec{}, false
}

// AllFileSpecs returns the substrate file set in canonical order.
func AllFileSpecs() []FileSpec {
	out := make([]FileSpec, len(fileSpecs))
	copy(out, fileSpecs)
	return out
}

// lockOrder returns the canonical ordering index of kind, used to sort
// multi-file lock acquisition. Unknown kinds sort last.
func lockOrder(kind FileKind) int {
	for i, s := range fileSpecs {
		if s.Kind == kind {
			return i
		}
	}
	return len(fileSpecs)
}

// Message is the TinyBus wire unit. Type is a dotted namespace
// (e.g. "agora.inbound", "conversation.user"); routing prefers Destination
// when set, otherwise fans out by type.
type Message struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	SchemaVersion int            `json:"schemaVersion"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source,omitempty"`
	Destination   string         `json:"destination,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// EventType classifies parsed session output events.
type EventType string

const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventCompletion EventType = "completion"
	EventError      EventType = "error"
)

// SessionEvent is one parsed line of session subprocess output.
type SessionEvent struct {
	Type    EventType
	Content string
	Tool    string // tool name for EventToolUse
	Raw     string // the unparsed line
	// RateLimitUntil is set on completion events whose payload carries a
	// future rate-limit horizon. Zero otherwise.
	RateLimitUntil time.Time
}

// SessionStatus is the lifecycle state of one subprocess session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionTimedOut  SessionStatus = "timed-out"
)

// SessionResult is emitted when a session ends.
type SessionResult struct {
	Role       Role
	Status     SessionStatus
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
}

// timestampLayout is the prefix format for PROGRESS and CONVERSATION
// entries. RFC 3339 with second precision, always UTC.
const timestampLayout = "2006-01-02T15:04:05Z07:00"

// entryPrefix renders the `[<ISO-8601>] [<ROLE>]` prefix for log-style files.
func entryPrefix(now time.Time, role Role) string {
	return "[" + now.UTC().Format(timestampLayout) + "] [" + string(role) + "] "
}
