// Package memstore is a lock-free multi-reader backing store for a
// Reflector: readers Load an immutable snapshot, writers copy-on-write and
// Store a new one.
package memstore

import (
	"sync"

	"go.uber.org/atomic"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

// Object is the minimal surface memstore needs from a mirrored item: a
// stable UID to key the map by.
type Object interface {
	GetUID() types.UID
}

var _ Object = metav1.Object(nil)

// Store mirrors objects of type T in memory, keyed by UID. The zero value
// is not ready to use; construct one with New.
type Store[T Object] struct {
	snapshot atomic.Value // map[types.UID]T

	mu            sync.Mutex // serializes the read-modify-write sequence below
	pendingResync bool
}

// New returns an empty Store.
func New[T Object]() *Store[T] {
	s := &Store[T]{}
	s.snapshot.Store(map[types.UID]T{})
	return s
}

// Get returns the mirrored item for uid, if any.
func (s *Store[T]) Get(uid types.UID) (item T, exists bool) {
	m := s.snapshot.Load().(map[types.UID]T)
	item, exists = m[uid]
	return item, exists
}

// List returns every mirrored item, in no particular order.
func (s *Store[T]) List() []T {
	m := s.snapshot.Load().(map[types.UID]T)
	out := make([]T, 0, len(m))
	for _, item := range m {
		out = append(out, item)
	}
	return out
}

// Add upserts item into the mirror.
func (s *Store[T]) Add(item T) error {
	s.upsert(item)
	return nil
}

// Update upserts item into the mirror.
func (s *Store[T]) Update(item T) error {
	s.upsert(item)
	return nil
}

// Delete removes item's UID from the mirror.
func (s *Store[T]) Delete(item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneIfPending()

	old := s.snapshot.Load().(map[types.UID]T)
	if _, ok := old[item.GetUID()]; !ok {
		return nil
	}
	next := copyMap(old)
	delete(next, item.GetUID())
	s.snapshot.Store(next)
	return nil
}

// Resync marks the next mutation as the start of a fresh session: the live
// map is pruned to empty immediately before that mutation is applied,
// rather than at the moment Resync itself is called. This keeps readers
// observing the pre-desync snapshot for as long as possible (they only
// ever see an empty mirror for the instant between the new session's
// first event arriving and being applied), while still guaranteeing every
// key left over from before the desync is eventually dropped unless the
// new session reaffirms it.
func (s *Store[T]) Resync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingResync = true
	return nil
}

func (s *Store[T]) upsert(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneIfPending()

	old := s.snapshot.Load().(map[types.UID]T)
	next := copyMap(old)
	next[item.GetUID()] = item
	s.snapshot.Store(next)
}

// pruneIfPending clears the live snapshot the first time it is called
// after Resync, and is a no-op on every call after that until the next
// Resync. Callers must hold s.mu.
func (s *Store[T]) pruneIfPending() {
	if !s.pendingResync {
		return
	}
	s.pendingResync = false
	s.snapshot.Store(map[types.UID]T{})
}

func copyMap[T Object](m map[types.UID]T) map[types.UID]T {
	next := make(map[types.UID]T, len(m))
	for k, v := range m {
		next[k] = v
	}
	return next
}
