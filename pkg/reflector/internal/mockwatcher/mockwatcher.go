// Package mockwatcher provides a scripted watcher.Interface implementation
// for tests: each call to Watch consumes the next step of a pre-programmed
// script, returning either a canned Stream or an invocation error.
package mockwatcher

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/watch"

	"github.com/clusterpedia-io/reflector/pkg/reflector/watcher"
)

// Step describes what a single Watch call should do.
type Step[T any] struct {
	// Events is replayed on the returned Stream's ResultChan, in order.
	Events []watcher.Response[T]
	// Err, if set, is returned directly from Watch instead of a Stream.
	Err error
	// KeepOpen, when true, leaves the stream open (no more events, but not
	// closed) after Events is exhausted, simulating a long-lived watch
	// connection with nothing left to send. By default the stream closes
	// once Events is exhausted, simulating the server ending the session.
	KeepOpen bool
}

// Watcher replays a fixed sequence of Steps, one per Watch call. It records
// every Options value it was invoked with, so a test can assert the
// Reflector requested the expected resource version.
type Watcher[T any] struct {
	steps   []Step[T]
	calls   int
	Options []watcher.Options
}

// New returns a Watcher that replays steps in order across successive
// Watch calls.
func New[T any](steps ...Step[T]) *Watcher[T] {
	return &Watcher[T]{steps: steps}
}

func (w *Watcher[T]) Watch(ctx context.Context, options watcher.Options) (watcher.Stream[T], error) {
	w.Options = append(w.Options, options)

	if w.calls >= len(w.steps) {
		return nil, fmt.Errorf("mockwatcher: Watch called %d times, only %d steps scripted", w.calls+1, len(w.steps))
	}
	step := w.steps[w.calls]
	w.calls++

	if step.Err != nil {
		return nil, step.Err
	}
	return newStream(step.Events, step.KeepOpen), nil
}

// Calls reports how many times Watch has been invoked.
func (w *Watcher[T]) Calls() int { return w.calls }

type stream[T any] struct {
	ch      chan watcher.Response[T]
	stopped chan struct{}
}

func newStream[T any](events []watcher.Response[T], keepOpen bool) *stream[T] {
	s := &stream[T]{ch: make(chan watcher.Response[T]), stopped: make(chan struct{})}
	go func() {
		if !keepOpen {
			defer close(s.ch)
		}
		for _, ev := range events {
			select {
			case s.ch <- ev:
			case <-s.stopped:
				return
			}
		}
		if keepOpen {
			<-s.stopped
		}
	}()
	return s
}

func (s *stream[T]) ResultChan() <-chan watcher.Response[T] { return s.ch }

func (s *stream[T]) Stop() {
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
}

// Added builds a Response carrying an Added event, a small convenience for
// scripting steps in tests.
func Added[T any](obj T) watcher.Response[T] {
	return watcher.Response[T]{Event: &watcher.Event[T]{Type: watch.Added, Object: obj}}
}

// Modified builds a Response carrying a Modified event.
func Modified[T any](obj T) watcher.Response[T] {
	return watcher.Response[T]{Event: &watcher.Event[T]{Type: watch.Modified, Object: obj}}
}

// Deleted builds a Response carrying a Deleted event.
func Deleted[T any](obj T) watcher.Response[T] {
	return watcher.Response[T]{Event: &watcher.Event[T]{Type: watch.Deleted, Object: obj}}
}

// Bookmark builds a Response carrying a Bookmark event.
func Bookmark[T any](obj T) watcher.Response[T] {
	return watcher.Response[T]{Event: &watcher.Event[T]{Type: watch.Bookmark, Object: obj}}
}

// Other builds a Response that is well-formed but unrecognized: neither
// Event nor Err is set.
func Other[T any]() watcher.Response[T] {
	return watcher.Response[T]{}
}

// Err builds a Response carrying a stream-level error.
func Err[T any](err error) watcher.Response[T] {
	return watcher.Response[T]{Err: err}
}
