package substrate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// unprocessedMarker flags conversation entries that arrived while the loop
// was effectively paused and have not been seen by any session yet.
const unprocessedMarker = "[UNPROCESSED]"

// entryRe matches one timestamped conversation or progress line.
var entryRe = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})\] \[[A-Z_]+\] .+`)

// ConversationManager is the specialised writer for the conversation file
// and the Agora inbox. Archiving has two disjunctive triggers, entry count
// and entry age, and fires at most once per call site (the orchestrator
// invokes MaybeArchive once per cycle).
type ConversationManager struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	// maxLines is the entry count past which the oldest slice is archived.
	maxLines int
	// archiveKeep is how many of the newest entries survive an archive pass.
	archiveKeep int
	// maxAge archives entries older than this even when under maxLines.
	// Zero disables the time-based trigger.
	maxAge time.Duration
}

// ConversationOption configures a ConversationManager.
type ConversationOption func(*ConversationManager)

// WithArchiveThreshold sets the entry count trigger and how many entries
// remain after archiving.
func WithArchiveThreshold(maxLines, keep int) ConversationOption {
	return func(c *ConversationManager) {
		if maxLines > 0 {
			c.maxLines = maxLines
		}
		if keep > 0 && keep < maxLines {
			c.archiveKeep = keep
		}
	}
}

// WithArchiveMaxAge enables the time-based archive trigger.
func WithArchiveMaxAge(d time.Duration) ConversationOption {
	return func(c *ConversationManager) { c.maxAge = d }
}

// WithConversationClock overrides the clock, for tests.
func WithConversationClock(now func() time.Time) ConversationOption {
	return func(c *ConversationManager) { c.now = now }
}

// NewConversationManager creates a manager bound to the store's conversation
// file and lock table.
func NewConversationManager(store *Store, logger *slog.Logger, opts ...ConversationOption) *ConversationManager {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ConversationManager{
		store:       store,
		logger:      logger,
		now:         store.now,
		maxLines:    500,
		archiveKeep: 100,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append adds one conversation entry. When unprocessed is true the entry is
// marked so the next Ego prompt can surface it explicitly.
func (c *ConversationManager) Append(role Role, text string, unprocessed bool) error {
	msg := strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	if unprocessed {
		msg = unprocessedMarker + " " + msg
	}
	return c.store.Append(FileConversation, role, msg)
}

// Entries returns all timestamped entries currently in the conversation file.
func (c *ConversationManager) Entries() ([]string, error) {
	content, err := c.store.Read(FileConversation)
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, line := range strings.Split(content, "\n") {
		if entryRe.MatchString(line) {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

// MaybeArchive archives the oldest conversation slice if either trigger
// fires: entry count over maxLines, or oldest entry older than maxAge.
// Archives at most once per invocation. Returns whether an archive happened.
func (c *ConversationManager) MaybeArchive() (bool, error) {
	release := c.store.locks.LockAll(FileConversation)
	defer release()

	content, err := c.store.readLocked(FileConversation)
	if err != nil {
		return false, err
	}

	lines := strings.Split(content, "\n")
	var entryIdx []int
	for i, line := range lines {
		if entryRe.MatchString(line) {
			entryIdx = append(entryIdx, i)
		}
	}

	trigger := len(entryIdx) > c.maxLines
	if !trigger && c.maxAge > 0 && len(entryIdx) > c.archiveKeep {
		if ts, ok := entryTimestamp(lines[entryIdx[0]]); ok && c.now().Sub(ts) > c.maxAge {
			trigger = true
		}
	}
	if !trigger {
		return false, nil
	}

	// Oldest entries (all but the newest archiveKeep) move to the archive.
	cut := len(entryIdx) - c.archiveKeep
	var archived []string
	for _, idx := range entryIdx[:cut] {
		archived = append(archived, lines[idx])
	}
	var recent []string
	for _, idx := range entryIdx[cut:] {
		recent = append(recent, lines[idx])
	}

	stamp := c.now().UTC().Format("2006-01-02T15-04-05Z")
	archName := fmt.Sprintf("conversation-%s.md", stamp)
	archPath := filepath.Join(c.store.Root(), "archive", "conversation", archName)
	archContent := "# Archived Conversation (" + stamp + ")\n\n" + strings.Join(archived, "\n") + "\n"
	if err := os.MkdirAll(filepath.Dir(archPath), 0o750); err != nil {
		return false, fmt.Errorf("archive conversation: %w", err)
	}
	if err := atomicWrite(archPath, []byte(archContent)); err != nil {
		return false, fmt.Errorf("archive conversation: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Conversation\n\n")
	b.WriteString("Older entries: archive/conversation/" + archName + "\n\n")
	b.WriteString("## Recent Conversation\n")
	for _, line := range recent {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := atomicWrite(c.store.Path(FileConversation), []byte(b.String())); err != nil {
		return false, fmt.Errorf("compact conversation: %w", err)
	}
	c.store.invalidate(FileConversation)
	c.store.touch()

	c.logger.Info("conversation archived",
		"archived_entries", len(archived),
		"kept_entries", len(recent),
		"archive", archName)
	return true, nil
}

// entryTimestamp parses the leading timestamp of an entry line.
func entryTimestamp(line string) (time.Time, bool) {
	end := strings.IndexByte(line, ']')
	if !strings.HasPrefix(line, "[") || end < 0 {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, line[1:end])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// --- Agora inbox ---

// InboxEntry is one peer message recorded in AGORA_INBOX.
type InboxEntry struct {
	EnvelopeID string
	Sender     string
	Text       string
	ReceivedAt time.Time
	RepliedAt  *time.Time
}

func (e InboxEntry) render(now time.Time) string {
	line := fmt.Sprintf("- `%s` [%s] **%s**: %s",
		e.EnvelopeID, now.UTC().Format(timestampLayout), e.Sender,
		strings.ReplaceAll(strings.TrimSpace(e.Text), "\n", " "))
	return line
}

// AddInbox prepends a peer message to the top of the `## Unread` section,
// atomically under the inbox lock.
func (c *ConversationManager) AddInbox(entry InboxEntry) error {
	c.store.locks.Lock(FileAgoraInbox)
	defer c.store.locks.Unlock(FileAgoraInbox)

	content, err := c.store.readLocked(FileAgoraInbox)
	if err != nil {
		return err
	}
	updated, err := inboxInsertUnread(content, entry.render(c.now()))
	if err != nil {
		return err
	}
	if err := atomicWrite(c.store.Path(FileAgoraInbox), []byte(updated)); err != nil {
		return fmt.Errorf("inbox add: %w", err)
	}
	c.store.invalidate(FileAgoraInbox)
	c.store.touch()
	return nil
}

// MarkInboxRead moves the entry with the given envelope ID from Unread to
// Read, deduplicating by ID, optionally annotating the reply timestamp.
// Missing IDs are a no-op.
func (c *ConversationManager) MarkInboxRead(envelopeID string, repliedAt *time.Time) error {
	c.store.locks.Lock(FileAgoraInbox)
	defer c.store.locks.Unlock(FileAgoraInbox)

	content, err := c.store.readLocked(FileAgoraInbox)
	if err != nil {
		return err
	}
	updated, moved := inboxMarkRead(content, envelopeID, repliedAt)
	if !moved {
		return nil
	}
	if err := atomicWrite(c.store.Path(FileAgoraInbox), []byte(updated)); err != nil {
		return fmt.Errorf("inbox mark read: %w", err)
	}
	c.store.invalidate(FileAgoraInbox)
	c.store.touch()
	return nil
}

// inboxSections splits inbox content into (before-unread, unread-lines,
// between, read-lines, after). The two `##` sections are required by the
// file's structural rules, so absence is a validation error.
type inboxDoc struct {
	prefix  []string // everything up to and including "## Unread"
	unread  []string
	between []string // blank lines + "## Read"
	read    []string
	suffix  []string
}

func parseInbox(content string) (*inboxDoc, error) {
	lines := strings.Split(content, "\n")
	unreadAt, readAt := -1, -1
	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case "## Unread":
			unreadAt = i
		case "## Read":
			readAt = i
		}
	}
	if unreadAt < 0 || readAt < 0 || readAt < unreadAt {
		return nil, &ErrValidation{Kind: FileAgoraInbox, Reason: "missing Unread/Read sections"}
	}

	doc := &inboxDoc{prefix: lines[:unreadAt+1]}
	for _, line := range lines[unreadAt+1 : readAt] {
		if strings.HasPrefix(strings.TrimSpace(line), "- ") {
			doc.unread = append(doc.unread, line)
		} else {
			doc.between = append(doc.between, line)
		}
	}
	doc.between = append(doc.between, lines[readAt])
	for _, line := range lines[readAt+1:] {
		if strings.HasPrefix(strings.TrimSpace(line), "- ") {
			doc.read = append(doc.read, line)
		} else {
			doc.suffix = append(doc.suffix, line)
		}
	}
	return doc, nil
}

func (d *inboxDoc) render() string {
	var out []string
	out = append(out, d.prefix...)
	out = append(out, "")
	out = append(out, d.unread...)
	out = append(out, "")
	out = append(out, "## Read")
	out = append(out, "")
	out = append(out, d.read...)
	return strings.Join(out, "\n") + "\n"
}

func inboxInsertUnread(content, line string) (string, error) {
	doc, err := parseInbox(content)
	if err != nil {
		return "", err
	}
	doc.unread = append([]string{line}, doc.unread...)
	return doc.render(), nil
}

func inboxMarkRead(content, envelopeID string, repliedAt *time.Time) (string, bool) {
	doc, err := parseInbox(content)
	if err != nil {
		return content, false
	}
	needle := "`" + envelopeID + "`"

	var moved string
	var keptUnread []string
	for _, line := range doc.unread {
		if strings.Contains(line, needle) && moved == "" {
			moved = line
			continue
		}
		if strings.Contains(line, needle) {
			continue // drop duplicates
		}
		keptUnread = append(keptUnread, line)
	}
	if moved == "" {
		return content, false
	}
	if repliedAt != nil {
		moved += " (replied " + repliedAt.UTC().Format(timestampLayout) + ")"
	}

	// Dedup in Read as well: the moved line wins.
	var keptRead []string
	for _, line := range doc.read {
		if !strings.Contains(line, needle) {
			keptRead = append(keptRead, line)
		}
	}
	doc.unread = keptUnread
	doc.read = append([]string{moved}, keptRead...)
	return doc.render(), true
}

// UnreadInbox returns the envelope IDs currently under `## Unread`.
func (c *ConversationManager) UnreadInbox() ([]string, error) {
	content, err := c.store.Read(FileAgoraInbox)
	if err != nil {
		return nil, err
	}
	doc, err := parseInbox(content)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range doc.unread {
		if id := extractBacktickID(line); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func extractBacktickID(line string) string {
	start := strings.IndexByte(line, '`')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(line[start+1:], '`')
	if end < 0 {
		return ""
	}
	return line[start+1 : start+1+end]
}
