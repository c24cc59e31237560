package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bookingsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status server requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Pushed events by kind and dispatch outcome.",
		},
		[]string{"kind", "outcome"},
	)

	snapshotUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_updates_total",
			Help:      "Snapshot store writes by origin and outcome.",
		},
		[]string{"origin", "outcome"},
	)

	subscriberFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_failures_total",
			Help:      "Subscriber callbacks that panicked or returned an error.",
		},
		[]string{"component", "reason"},
	)

	channelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "Current push channel state (1 for the active state).",
		},
		[]string{"state"},
	)

	channelReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnects_total",
			Help:      "Transitions of the push channel to open.",
		},
	)

	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Full refetches of the current booking by result.",
		},
		[]string{"result"},
	)

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Lifecycle commands by name and result.",
		},
		[]string{"command", "result"},
	)

	backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend REST call latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	tickLoops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "projector_tick_loops",
			Help:      "Active projector tick subscriptions.",
		},
	)
)

var channelStates = []string{"connecting", "open", "closed"}

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			eventsTotal,
			snapshotUpdates,
			subscriberFailures,
			channelState,
			channelReconnects,
			reconciliations,
			commands,
			backendLatency,
			tickLoops,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncEvent(kind, outcome string) {
	eventsTotal.WithLabelValues(kind, outcome).Inc()
}

func IncSnapshotUpdate(origin, outcome string) {
	snapshotUpdates.WithLabelValues(origin, outcome).Inc()
}

func IncSubscriberFailure(component, reason string) {
	subscriberFailures.WithLabelValues(component, reason).Inc()
}

// SetChannelState marks state as the active channel state.
func SetChannelState(state string) {
	for _, s := range channelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		channelState.WithLabelValues(s).Set(v)
	}
}

func IncReconnect() {
	channelReconnects.Inc()
}

func IncReconcile(result string) {
	reconciliations.WithLabelValues(result).Inc()
}

func IncCommand(command, result string) {
	commands.WithLabelValues(command, result).Inc()
}

func ObserveBackend(operation, status string, d time.Duration) {
	backendLatency.WithLabelValues(operation, status).Observe(d.Seconds())
}

func SetTickLoops(n int) {
	tickLoops.Set(float64(n))
}
