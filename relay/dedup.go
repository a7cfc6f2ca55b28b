package relay

import "sync"

// dedupSet remembers the most recent envelope IDs in a bounded FIFO. When
// the set is full the oldest entry is evicted.
type dedupSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	seen  map[string]struct{}
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = 10000
	}
	return &dedupSet{cap: capacity, seen: make(map[string]struct{}, capacity)}
}

// Seen reports whether id was already recorded, recording it when it was
// not.
func (d *dedupSet) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	if len(d.order) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.order = append(d.order, id)
	d.seen[id] = struct{}{}
	return false
}
