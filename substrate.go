package substrate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// defaultProgressMaxBytes is the rotation cap for append-only files when the
// config does not override it.
const defaultProgressMaxBytes int64 = 1 << 20 // 1 MiB

// rotatedSuffix builds the sibling name for a rotated append-only file.
func rotatedName(path string, now time.Time) string {
	return fmt.Sprintf("%s.%s.rotated", path, now.UTC().Format("20060102T150405.000000000"))
}

// Store is the substrate I/O layer: locked reads with an optional
// mtime-indexed cache, atomic overwrites, and timestamped appends with
// size-capped rotation. All operations acquire the per-file lock for the
// touched kind and release it on every exit path.
type Store struct {
	root   string
	locks  *FileLock
	logger *slog.Logger
	now    func() time.Time

	progressMaxBytes int64

	cacheEnabled bool
	cacheMu      sync.Mutex
	cache        map[FileKind]cacheEntry

	// lastWriteAt feeds the orchestrator watchdog; updated on every
	// successful mutation.
	writeMu     sync.Mutex
	lastWriteAt time.Time
}

type cacheEntry struct {
	modTime time.Time
	size    int64
	content string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithReadCache enables the mtime-indexed read cache.
func WithReadCache() StoreOption {
	return func(s *Store) { s.cacheEnabled = true }
}

// WithProgressMaxBytes sets the rotation cap for append-only files.
func WithProgressMaxBytes(n int64) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.progressMaxBytes = n
		}
	}
}

// WithStoreClock overrides the clock, for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithStoreLogger sets the logger. Nil keeps the slog default.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a Store rooted at dir. The directory is not touched until
// Init or the first write.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{
		root:             dir,
		locks:            NewFileLock(),
		logger:           slog.Default(),
		now:              time.Now,
		progressMaxBytes: defaultProgressMaxBytes,
		cache:            make(map[FileKind]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the substrate root directory.
func (s *Store) Root() string { return s.root }

// Locks exposes the per-file lock table so collaborating writers (the
// conversation manager) serialise against the same owners.
func (s *Store) Locks() *FileLock { return s.locks }

// Path returns the absolute path of the given file kind.
func (s *Store) Path(kind FileKind) string {
	spec, ok := SpecFor(kind)
	if !ok {
		return filepath.Join(s.root, string(kind)+".md")
	}
	return filepath.Join(s.root, spec.Path)
}

// LastWriteAt reports when the store last committed a mutation. Zero before
// the first write.
func (s *Store) LastWriteAt() time.Time {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.lastWriteAt
}

func (s *Store) touch() {
	s.writeMu.Lock()
	s.lastWriteAt = s.now()
	s.writeMu.Unlock()
}

// Init creates the substrate directory tree and writes the default template
// for every file that does not exist yet. Existing files are left untouched.
func (s *Store) Init() error {
	for _, dir := range []string{
		s.root,
		filepath.Join(s.root, "archive", "conversation"),
		filepath.Join(s.root, "audit"),
		filepath.Join(s.root, ".metrics"),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("init substrate: %w", err)
		}
	}
	for _, spec := range AllFileSpecs() {
		path := filepath.Join(s.root, spec.Path)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := atomicWrite(path, []byte(spec.Template)); err != nil {
			return fmt.Errorf("init %s: %w", spec.Kind, err)
		}
	}
	s.touch()
	return nil
}

// Validate checks that every required file exists and is structurally valid.
// Init followed by Validate always reports valid.
func (s *Store) Validate() ValidationReport {
	report := ValidationReport{Valid: true}
	for _, spec := range AllFileSpecs() {
		if !spec.Required {
			continue
		}
		content, err := s.Read(spec.Kind)
		if err != nil {
			report.Valid = false
			report.Problems = append(report.Problems, fmt.Sprintf("%s: %v", spec.Kind, err))
			continue
		}
		if err := ValidateContent(spec, []byte(content)); err != nil {
			report.Valid = false
			report.Problems = append(report.Problems, err.Error())
		}
	}
	return report
}

// Read returns the contents of the given file. When the read cache is
// enabled, a hit requires both the mtime and size to be unchanged.
func (s *Store) Read(kind FileKind) (string, error) {
	s.locks.Lock(kind)
	defer s.locks.Unlock(kind)
	return s.readLocked(kind)
}

func (s *Store) readLocked(kind FileKind) (string, error) {
	path := s.Path(kind)

	if s.cacheEnabled {
		if fi, err := os.Stat(path); err == nil {
			s.cacheMu.Lock()
			entry, ok := s.cache[kind]
			s.cacheMu.Unlock()
			if ok && entry.modTime.Equal(fi.ModTime()) && entry.size == fi.Size() {
				return entry.content, nil
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", kind, err)
	}

	if s.cacheEnabled {
		if fi, err := os.Stat(path); err == nil {
			s.cacheMu.Lock()
			s.cache[kind] = cacheEntry{modTime: fi.ModTime(), size: fi.Size(), content: string(data)}
			s.cacheMu.Unlock()
		}
	}
	return string(data), nil
}

// Overwrite atomically replaces the contents of an overwritable file after
// validating it against the kind's structural rules. Append-only and
// section-managed files reject Overwrite.
func (s *Store) Overwrite(kind FileKind, content string) error {
	spec, ok := SpecFor(kind)
	if !ok {
		return &ErrValidation{Kind: kind, Reason: "unknown file kind"}
	}
	if spec.Mode != WriteOverwrite {
		return &ErrValidation{Kind: kind, Reason: "file is not overwritable"}
	}
	if err := ValidateContent(spec, []byte(content)); err != nil {
		return err
	}

	s.locks.Lock(kind)
	defer s.locks.Unlock(kind)

	if err := atomicWrite(s.Path(kind), []byte(content)); err != nil {
		return fmt.Errorf("overwrite %s: %w", kind, err)
	}
	s.invalidate(kind)
	s.touch()
	return nil
}

// Append adds one timestamped entry to an append-only file, then rotates if
// the file has grown past the configured cap. Multi-line text is collapsed
// so every physical line keeps the `[timestamp] [role]` shape.
func (s *Store) Append(kind FileKind, role Role, msg string) error {
	spec, ok := SpecFor(kind)
	if !ok {
		return &ErrValidation{Kind: kind, Reason: "unknown file kind"}
	}
	if spec.Mode == WriteOverwrite {
		return &ErrValidation{Kind: kind, Reason: "file is not append-only"}
	}

	line := entryPrefix(s.now(), role) + strings.ReplaceAll(strings.TrimSpace(msg), "\n", " ") + "\n"

	s.locks.Lock(kind)
	defer s.locks.Unlock(kind)

	path := s.Path(kind)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("append %s: %w", kind, err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", kind, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("append %s: %w", kind, err)
	}
	s.invalidate(kind)
	s.touch()

	if kind == FileProgress {
		if err := s.rotateLocked(kind); err != nil {
			s.logger.Warn("progress rotation failed", "error", err)
		}
	}
	return nil
}

// rotateLocked rotates an oversized append-only file: everything except the
// newest tail moves to a `<name>.<timestamp>.rotated` sibling and the tail
// starts the fresh file, preserving every line exactly once across the two.
// Caller holds the file lock.
func (s *Store) rotateLocked(kind FileKind) error {
	path := s.Path(kind)
	fi, err := os.Stat(path)
	if err != nil || fi.Size() < s.progressMaxBytes {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Tail keeps the newest complete lines within half the cap, so the
	// fresh file always starts below the cap.
	head, tail := splitTail(data, s.progressMaxBytes/2)

	rotated := rotatedName(path, s.now())
	if err := atomicWrite(rotated, head); err != nil {
		return err
	}
	if err := atomicWrite(path, tail); err != nil {
		return err
	}
	s.invalidate(kind)
	s.logger.Info("rotated append-only file",
		"kind", kind,
		"rotated", filepath.Base(rotated),
		"head_bytes", len(head),
		"tail_bytes", len(tail))
	return nil
}

// splitTail splits data at a line boundary such that the returned tail is
// the maximal suffix of complete lines no longer than max bytes.
func splitTail(data []byte, max int64) (head, tail []byte) {
	if int64(len(data)) <= max {
		return nil, data
	}
	cut := int64(len(data)) - max
	// Move the cut forward to the next line start.
	for i := cut; i < int64(len(data)); i++ {
		if data[i] == '\n' {
			cut = i + 1
			break
		}
	}
	return data[:cut], data[cut:]
}

func (s *Store) invalidate(kind FileKind) {
	if !s.cacheEnabled {
		return
	}
	s.cacheMu.Lock()
	delete(s.cache, kind)
	s.cacheMu.Unlock()
}

// atomicWrite writes data via a temp file in the target directory followed
// by rename, so no partial file is ever visible.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
