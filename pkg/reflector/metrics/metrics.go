// Package metrics exposes Reflector-level Prometheus signals, registered
// through component-base's legacy registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/component-base/metrics/legacyregistry"
)

// Metrics holds the counters and gauges a Reflector updates as it runs.
// The zero value is not ready to use; construct one with New.
type Metrics struct {
	eventsTotal     *prometheus.CounterVec
	desyncsTotal    prometheus.Counter
	watchesTotal    prometheus.Counter
	dispatchErrors  prometheus.Counter
	queueDepth      prometheus.Gauge
	lastEventUnix   prometheus.Gauge
}

// Config names the reflector these metrics describe. Name (as the
// "reflector" label) and Labels are attached as constant labels to every
// series of the set.
type Config struct {
	Name   string
	Labels map[string]string
}

var registerOnce sync.Once

// New creates a Metrics set for config.Name. Registration happens once per
// process via legacyregistry.RawMustRegister: only the collectors of the
// first set created are registered; sets created by later calls are updated
// but not exported.
func New(config Config) *Metrics {
	labels := make(map[string]string, len(config.Labels)+1)
	for k, v := range config.Labels {
		labels[k] = v
	}
	if config.Name != "" {
		labels["reflector"] = config.Name
	}

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "reflector_events_total",
			Help:        "Number of watch events dispatched without error (including bookmarks and enqueued delayed deletes), by event type.",
			ConstLabels: labels,
		}, []string{"type"}),
		desyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reflector_desyncs_total",
			Help:        "Number of times the watch session desynced and was resumed from a fresh cursor.",
			ConstLabels: labels,
		}),
		watchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reflector_watch_invocations_total",
			Help:        "Number of watch invocations issued.",
			ConstLabels: labels,
		}),
		dispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reflector_dispatch_errors_total",
			Help:        "Number of state writer calls that returned an error.",
			ConstLabels: labels,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "reflector_delayed_delete_queue_depth",
			Help:        "Number of deletes currently pending in the delayed-delete queue.",
			ConstLabels: labels,
		}),
		lastEventUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "reflector_last_event_timestamp_seconds",
			Help:        "Unix timestamp of the last watch event dispatched without error.",
			ConstLabels: labels,
		}),
	}

	registerOnce.Do(func() {
		legacyregistry.RawMustRegister(
			m.eventsTotal,
			m.desyncsTotal,
			m.watchesTotal,
			m.dispatchErrors,
			m.queueDepth,
			m.lastEventUnix,
		)
	})

	return m
}

// ObserveEvent records one dispatched watch event of the given type.
func (m *Metrics) ObserveEvent(eventType watch.EventType) {
	m.eventsTotal.WithLabelValues(string(eventType)).Inc()
}

// ObserveDesync records one desync-and-resume cycle.
func (m *Metrics) ObserveDesync() {
	m.desyncsTotal.Inc()
}

// ObserveWatchInvocation records one watch invocation.
func (m *Metrics) ObserveWatchInvocation() {
	m.watchesTotal.Inc()
}

// ObserveDispatchError records one failed state writer call.
func (m *Metrics) ObserveDispatchError() {
	m.dispatchErrors.Inc()
}

// SetQueueDepth reports the delayed-delete queue's current length.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// SetLastEventUnix reports the unix timestamp (seconds) of the last event
// dispatched.
func (m *Metrics) SetLastEventUnix(sec float64) {
	m.lastEventUnix.Set(sec)
}
