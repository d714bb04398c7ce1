package watcher

import (
	"context"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// RESTWatcher issues watch requests against a Kubernetes-style REST API
// through client-go. isExpiredError (HTTP 410 Gone / resource-version
// expired) classifies as Desync; every other invocation failure is Other.
type RESTWatcher[T runtime.Object] struct {
	client     rest.Interface
	resource   string
	paramCodec runtime.ParameterCodec

	backoff wait.BackoffManager
}

// NewRESTWatcher returns a RESTWatcher that issues watch requests for
// resource through client, encoding Options with paramCodec.
func NewRESTWatcher[T runtime.Object](client rest.Interface, resource string, paramCodec runtime.ParameterCodec) *RESTWatcher[T] {
	return &RESTWatcher[T]{
		client:     client,
		resource:   resource,
		paramCodec: paramCodec,
		backoff:    wait.NewExponentialBackoffManager(800*time.Millisecond, 30*time.Second, 2*time.Minute, 2.0, 1.0, clock.RealClock{}),
	}
}

// Watch issues one watch request, retrying internally (with exponential
// backoff) on connection-refused and 429 errors, since those mean the
// server is unreachable or overloaded rather than that the cursor is
// invalid: it doesn't make sense to desync over them, only to back off and
// resend the request for the same resource version.
func (w *RESTWatcher[T]) Watch(ctx context.Context, options Options) (Stream[T], error) {
	var timeout time.Duration
	if options.TimeoutSeconds != nil {
		timeout = time.Duration(*options.TimeoutSeconds) * time.Second
	}
	options.Watch = true

	for {
		iface, err := w.client.Get().
			Resource(w.resource).
			VersionedParams(&options, w.paramCodec).
			Timeout(timeout).
			Watch(ctx)
		if err != nil {
			if isExpiredError(err) {
				return nil, DesyncError(err)
			}
			if utilnet.IsConnectionRefused(err) || apierrors.IsTooManyRequests(err) {
				klog.V(2).InfoS("watch request backing off", "resource", w.resource, "err", err)
				select {
				case <-w.backoff.Backoff().C():
					continue
				case <-ctx.Done():
					return nil, OtherError(ctx.Err())
				}
			}
			return nil, OtherError(err)
		}
		return newRESTStream[T](iface), nil
	}
}

// isExpiredError reports whether err indicates the server considers the
// client's resource-version cursor no longer valid. IsGone is kept
// alongside the more specific IsResourceExpired for servers that still
// answer an expired cursor with a plain 410.
func isExpiredError(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}

// restStream adapts a client-go watch.Interface (untyped runtime.Object
// events) to the Stream[T] contract (typed events, well-formed-but-unknown
// payloads surfaced as a zero Response, decode errors surfaced fatally).
type restStream[T runtime.Object] struct {
	iface watch.Interface
	out   chan Response[T]
	once  sync.Once
}

func newRESTStream[T runtime.Object](iface watch.Interface) *restStream[T] {
	s := &restStream[T]{iface: iface, out: make(chan Response[T])}
	go s.run()
	return s
}

func (s *restStream[T]) run() {
	defer close(s.out)
	for ev := range s.iface.ResultChan() {
		if ev.Type == watch.Error {
			s.out <- Response[T]{Err: apierrors.FromObject(ev.Object)}
			continue
		}

		obj, ok := ev.Object.(T)
		if !ok {
			s.out <- Response[T]{}
			continue
		}
		s.out <- Response[T]{Event: &Event[T]{Type: ev.Type, Object: obj}}
	}
}

func (s *restStream[T]) ResultChan() <-chan Response[T] { return s.out }

func (s *restStream[T]) Stop() {
	s.once.Do(s.iface.Stop)
}
