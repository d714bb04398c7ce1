// Package state defines the contract a Reflector uses to apply mirrored
// changes to a local representation of the watched resource. Concrete
// backing stores (memstore, sqlstore) implement Writer; a Reflector never
// depends on anything more than this package's interfaces.
package state

import "k8s.io/apimachinery/pkg/types"

// Writer receives mirrored mutations from a Reflector, keyed by the
// object's UID. Add and Update are both "upsert" operations from the
// Reflector's point of view: a Modified event for a UID the writer has
// never seen behaves like an Add.
//
// Resync signals that the Reflector is about to resume a fresh watch
// session after a desync: events delivered afterward describe the server's
// current state, not necessarily anything related to what the writer
// already holds. A Writer is free to interpret this however it needs to
// (e.g. deferred pruning on first touch); the Reflector's only obligation
// is to call it once per desync, before replaying the new session's
// events.
type Writer[T any] interface {
	Add(item T) error
	Update(item T) error
	Delete(item T) error
	Resync() error
}

// Reader exposes the mirrored state for consumption by the rest of an
// application. It is not used by the Reflector itself; it is the
// read-side contract a backing store offers to its own callers.
type Reader[T any] interface {
	Get(uid types.UID) (item T, exists bool)
	List() []T
}
