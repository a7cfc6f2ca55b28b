package substrate

import (
	"sort"
	"sync"
)

// FileLock serialises access to substrate files. One mutex per file kind,
// created lazily. Locks are process-local and non-reentrant; operations that
// need several files must acquire them through LockAll, which takes them in
// canonical order to prevent deadlock.
type FileLock struct {
	mu    sync.Mutex
	locks map[FileKind]*sync.Mutex
}

// NewFileLock creates an empty lock table.
func NewFileLock() *FileLock {
	return &FileLock{locks: make(map[FileKind]*sync.Mutex)}
}

func (f *FileLock) get(kind FileKind) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.locks[kind]
	if !ok {
		m = &sync.Mutex{}
		f.locks[kind] = m
	}
	return m
}

// Lock acquires the mutex for kind, blocking until available.
func (f *FileLock) Lock(kind FileKind) {
	f.get(kind).Lock()
}

// Unlock releases the mutex for kind.
func (f *FileLock) Unlock(kind FileKind) {
	f.get(kind).Unlock()
}

// LockAll acquires every given lock in canonical enum order and returns a
// release function that unlocks them in reverse order. Duplicate kinds are
// collapsed (the locks are non-reentrant).
func (f *FileLock) LockAll(kinds ...FileKind) (release func()) {
	uniq := make([]FileKind, 0, len(kinds))
	seen := make(map[FileKind]bool, len(kinds))
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return lockOrder(uniq[i]) < lockOrder(uniq[j]) })

	for _, k := range uniq {
		f.Lock(k)
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			f.Unlock(uniq[i])
		}
	}
}
