// Package watcher defines the contract a Reflector uses to issue watch
// requests and consume the resulting event stream. The concrete HTTP
// transport and deserialization live in RESTWatcher; the Reflector itself
// only ever depends on Interface.
package watcher

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// Options carries the parameters of one watch invocation. It is exactly
// metav1.ListOptions: the Reflector only ever sets FieldSelector,
// LabelSelector, ResourceVersion and AllowWatchBookmarks, leaving
// TimeoutSeconds at its zero (absent) value. ListOptions has no Pretty
// field, so pretty is never sent.
type Options = metav1.ListOptions

// Event is a single typed watch event. Type is one of watch.Added,
// watch.Modified, watch.Deleted or watch.Bookmark; any other value
// observed by a Reflector is a programming-model violation.
type Event[T any] struct {
	Type   watch.EventType
	Object T
}

// Response is one item of a watch stream. At most one of Event or Err is
// set; if neither is set the response was well-formed but unrecognized and
// should be logged and skipped without advancing the resource-version
// cursor.
type Response[T any] struct {
	Event *Event[T]
	Err   error
}

// Stream is a lazy sequence of Response values produced by one watch
// invocation. ResultChan is closed when the server closes the stream
// cleanly. Stop cancels the in-flight request and must be safe to call
// more than once.
type Stream[T any] interface {
	ResultChan() <-chan Response[T]
	Stop()
}

// Interface issues watch requests. Implementations are responsible for
// classifying invocation failures into Desync or Other via InvocationError.
type Interface[T any] interface {
	Watch(ctx context.Context, options Options) (Stream[T], error)
}

// Kind classifies an invocation failure.
type Kind int

const (
	// Other is any invocation failure that is not a desync.
	Other Kind = iota
	// Desync indicates the server signaled the resource-version cursor is
	// no longer valid (e.g. HTTP 410 Gone).
	Desync
)

// InvocationError wraps a watch invocation failure, tagged as Desync or
// Other.
type InvocationError struct {
	Kind Kind
	Err  error
}

func (e *InvocationError) Error() string {
	if e.Kind == Desync {
		return "watch invocation desynced: " + e.Err.Error()
	}
	return "watch invocation failed: " + e.Err.Error()
}

func (e *InvocationError) Unwrap() error { return e.Err }

// IsDesync reports whether err is an InvocationError classified as Desync.
func IsDesync(err error) bool {
	ie, ok := err.(*InvocationError)
	return ok && ie.Kind == Desync
}

// DesyncError wraps err as a Desync InvocationError.
func DesyncError(err error) *InvocationError { return &InvocationError{Kind: Desync, Err: err} }

// OtherError wraps err as an Other InvocationError.
func OtherError(err error) *InvocationError { return &InvocationError{Kind: Other, Err: err} }
