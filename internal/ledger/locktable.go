package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/exhazordinary/atomicsettle/internal/money"
)

// Key identifies a ledger position: one participant's balance in one currency.
type Key struct {
	ParticipantID string
	Currency      money.Currency
}

func (k Key) String() string {
	return k.ParticipantID + "/" + string(k.Currency)
}

// SortKeys orders keys lexicographically by participant id then currency
// code. Every settlement acquires its keys in this order regardless of leg
// order, so two settlements contending on overlapping participants can never
// deadlock.
func SortKeys(keys []Key) []Key {
	sorted := make([]Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ParticipantID != sorted[j].ParticipantID {
			return sorted[i].ParticipantID < sorted[j].ParticipantID
		}
		return sorted[i].Currency < sorted[j].Currency
	})
	// Dedupe: a participant's key appears once no matter how many legs touch it.
	out := sorted[:0]
	for _, k := range sorted {
		if len(out) == 0 || out[len(out)-1] != k {
			out = append(out, k)
		}
	}
	return out
}

// LockTable provides per-key mutual exclusion with a bounded wait. A lock
// wait past the deadline fails instead of blocking indefinitely.
type LockTable struct {
	mu    sync.Mutex
	locks map[Key]chan struct{}
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[Key]chan struct{})}
}

func (t *LockTable) semaphore(key Key) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		t.locks[key] = sem
	}
	return sem
}

// Acquire takes the exclusive lock for a key, waiting at most the given
// timeout. Returns false if the deadline or context expires first.
func (t *LockTable) Acquire(ctx context.Context, key Key, timeout time.Duration) bool {
	sem := t.semaphore(key)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Release frees the lock for a key. Releasing an unheld key is an internal
// invariant failure and panics.
func (t *LockTable) Release(key Key) {
	sem := t.semaphore(key)
	select {
	case <-sem:
	default:
		panic("ledger: release of unheld key " + key.String())
	}
}

// AcquireAll takes every key in deterministic global order. On any failure
// the keys already held are released in reverse acquisition order and the
// failing key is returned.
func (t *LockTable) AcquireAll(ctx context.Context, keys []Key, timeout time.Duration) (bool, Key) {
	ordered := SortKeys(keys)
	held := make([]Key, 0, len(ordered))
	for _, key := range ordered {
		if !t.Acquire(ctx, key, timeout) {
			for i := len(held) - 1; i >= 0; i-- {
				t.Release(held[i])
			}
			return false, key
		}
		held = append(held, key)
	}
	return true, Key{}
}

// ReleaseAll frees keys in reverse of their deterministic acquisition order.
func (t *LockTable) ReleaseAll(keys []Key) {
	ordered := SortKeys(keys)
	for i := len(ordered) - 1; i >= 0; i-- {
		t.Release(ordered[i])
	}
}
