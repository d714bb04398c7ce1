// Package reflector implements a long-running client that maintains an
// eventually-consistent local mirror of a subset of resources held by a
// remote Kubernetes-style API server: it issues watch requests, applies
// the resulting event stream to a state writer, tracks the server-assigned
// resource version, and recovers from server-initiated desynchronization.
package reflector

import (
	"context"
	"fmt"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/clusterpedia-io/reflector/pkg/reflector/delayeddelete"
	"github.com/clusterpedia-io/reflector/pkg/reflector/metrics"
	"github.com/clusterpedia-io/reflector/pkg/reflector/resourceversion"
	"github.com/clusterpedia-io/reflector/pkg/reflector/state"
	"github.com/clusterpedia-io/reflector/pkg/reflector/watcher"
)

// Config enumerates everything needed to construct a Reflector.
type Config struct {
	// Name identifies this Reflector in logs and metrics.
	Name string

	// FieldSelector and LabelSelector are forwarded verbatim to the
	// Watcher on every invocation.
	FieldSelector string
	LabelSelector string

	// PauseBetweenRequests is the delay applied between the end of one
	// watch session and the start of the next.
	PauseBetweenRequests time.Duration

	// DelayDeletesFor, if non-nil, enables the DelayedDelete path: Deleted
	// events are enqueued and applied to the state writer only after this
	// grace period elapses.
	DelayDeletesFor *time.Duration
}

// Reflector orchestrates the watch loop for one resource kind. It owns its
// Watcher, its StateWriter, its resource-version tracker and its optional
// delayed-delete queue for the Reflector's entire lifetime; none of them
// are shared with any other caller.
type Reflector[T any] struct {
	name          string
	fieldSelector string
	labelSelector string
	pause         time.Duration

	watcher watcher.Interface[T]
	writer  state.Writer[T]
	tracker *resourceversion.Tracker
	deletes *delayeddelete.Queue[T]

	clock   clock.Clock
	metrics *metrics.Metrics
}

// New constructs a Reflector. clk should be clock.RealClock{} in
// production and a FakeClock from k8s.io/utils/clock/testing in tests. m
// may be nil to disable metrics.
func New[T any](cfg Config, w watcher.Interface[T], sw state.Writer[T], clk clock.Clock, m *metrics.Metrics) *Reflector[T] {
	r := &Reflector[T]{
		name:          cfg.Name,
		fieldSelector: cfg.FieldSelector,
		labelSelector: cfg.LabelSelector,
		pause:         cfg.PauseBetweenRequests,
		watcher:       w,
		writer:        sw,
		tracker:       resourceversion.NewTracker(),
		clock:         clk,
		metrics:       m,
	}
	if cfg.DelayDeletesFor != nil {
		r.deletes = delayeddelete.NewQueue[T](*cfg.DelayDeletesFor, clk)
	}
	return r
}

// Run drives the watch loop until ctx is cancelled or a fatal error
// occurs. It returns only on failure: either ctx.Err(), an
// *InvocationError (a non-desync watch invocation failure), or a
// *StreamingError (a mid-stream fatal error). There is no successful
// return; the loop runs forever otherwise.
func (r *Reflector[T]) Run(ctx context.Context) error {
	klog.V(3).InfoS("Starting reflector", "name", r.name)
	defer klog.V(3).InfoS("Stopping reflector", "name", r.name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		options := watcher.Options{
			FieldSelector:       r.fieldSelector,
			LabelSelector:       r.labelSelector,
			ResourceVersion:     r.tracker.Get(),
			AllowWatchBookmarks: true,
		}

		if r.metrics != nil {
			r.metrics.ObserveWatchInvocation()
		}
		stream, err := r.watcher.Watch(ctx, options)
		if err != nil {
			if watcher.IsDesync(err) {
				klog.V(4).InfoS("reflector desynced, resetting cursor", "name", r.name, "err", err)
				r.tracker.Reset()
				if r.deletes != nil {
					r.deletes.Clear()
				}
				if err := r.writer.Resync(); err != nil {
					utilruntime.HandleError(fmt.Errorf("reflector %s: state writer resync failed: %w", r.name, err))
				}
				if r.metrics != nil {
					r.metrics.ObserveDesync()
				}
				continue
			}
			return &InvocationError{Name: r.name, Err: err}
		}

		streamErr := r.drainStream(ctx, stream)
		stream.Stop()
		if streamErr != nil {
			return streamErr
		}

		if r.pause <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(r.pause):
		}
	}
}

// drainStream runs the inner loop for one watch session: racing the
// delayed-delete queue's next deadline (if armed) against the next item
// from stream. It returns nil when the stream ends cleanly, ctx.Err() if
// ctx is cancelled, or a *StreamingError on a fatal stream item.
func (r *Reflector[T]) drainStream(ctx context.Context, stream watcher.Stream[T]) error {
	for {
		var deadlineCh <-chan time.Time
		var stopDeadline func() bool
		if r.deletes != nil {
			deadlineCh, stopDeadline, _ = r.deletes.NextDeadlineDelay()
		}

		// A nil deadlineCh blocks forever, so this select collapses to a
		// plain stream read whenever the delayed-delete branch isn't
		// armed. When both branches are ready, Go's select chooses among
		// them uniformly at random, which satisfies the "never starve the
		// delete branch" requirement without any extra bookkeeping.
		select {
		case <-ctx.Done():
			if stopDeadline != nil {
				stopDeadline()
			}
			return ctx.Err()

		case <-deadlineCh:
			r.deletes.Perform(r.writer)
			if r.metrics != nil {
				r.metrics.SetQueueDepth(r.deletes.Len())
			}

		case resp, ok := <-stream.ResultChan():
			if stopDeadline != nil {
				stopDeadline()
			}
			if !ok {
				return nil
			}
			if err := r.processStreamItem(resp); err != nil {
				return err
			}
		}
	}
}

// processStreamItem classifies one stream response and applies it.
func (r *Reflector[T]) processStreamItem(resp watcher.Response[T]) error {
	if resp.Err != nil {
		return &StreamingError{Name: r.name, Err: resp.Err}
	}
	if resp.Event == nil {
		klog.V(4).InfoS("reflector received unrecognized watch response", "name", r.name)
		return nil
	}

	candidate, hasVersion := resourceversion.FromEvent(resp.Event.Object)
	if !hasVersion {
		klog.V(4).InfoS("reflector received event with no resource version, dropping", "name", r.name, "type", resp.Event.Type)
		return nil
	}

	if err := r.processEvent(*resp.Event); err != nil {
		utilruntime.HandleError(fmt.Errorf("reflector %s: failed to apply %s event: %w", r.name, resp.Event.Type, err))
		if r.metrics != nil {
			r.metrics.ObserveDispatchError()
		}
		return nil
	}

	if r.metrics != nil {
		r.metrics.ObserveEvent(resp.Event.Type)
		r.metrics.SetLastEventUnix(float64(r.clock.Now().Unix()))
		if r.deletes != nil {
			r.metrics.SetQueueDepth(r.deletes.Len())
		}
	}

	// The cursor only advances past events the writer actually applied: a
	// failed dispatch must not be committed, or a subsequent resume would
	// skip the event the writer never recorded.
	r.tracker.Update(candidate)
	return nil
}

// processEvent dispatches one typed event to the state writer, or to the
// delayed-delete queue in place of an immediate delete.
func (r *Reflector[T]) processEvent(event watcher.Event[T]) error {
	switch event.Type {
	case watch.Added:
		return r.writer.Add(event.Object)
	case watch.Modified:
		return r.writer.Update(event.Object)
	case watch.Deleted:
		if r.deletes != nil {
			r.deletes.ScheduleDelete(event.Object)
			return nil
		}
		return r.writer.Delete(event.Object)
	case watch.Bookmark:
		return nil
	default:
		panic(fmt.Sprintf("reflector %s: watcher produced unrecognized event type %q", r.name, event.Type))
	}
}
