package events

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// dedupeWindow remembers recently seen event hashes. An entry counts as seen
// while it is both among the last size hashes and younger than ttl.
type dedupeWindow struct {
	cache *lru.Cache[uint64, time.Time]
	ttl   time.Duration
}

func newDedupeWindow(size int, ttl time.Duration) (*dedupeWindow, error) {
	cache, err := lru.New[uint64, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &dedupeWindow{cache: cache, ttl: ttl}, nil
}

// Seen records hash at now and reports whether it was already in the window.
func (w *dedupeWindow) Seen(hash uint64, now time.Time) bool {
	if at, ok := w.cache.Get(hash); ok && now.Sub(at) < w.ttl {
		return true
	}
	w.cache.Add(hash, now)
	return false
}

func (w *dedupeWindow) Len() int {
	return w.cache.Len()
}

func (w *dedupeWindow) Purge() {
	w.cache.Purge()
}
