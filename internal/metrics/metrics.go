package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Publish paths for AlertsPublished.
const (
	PathDirect = "direct"
	PathRetry  = "retry"
)

var (
	Namespace = "alertbridge"

	AlertsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "webhook",
		Name:      "alerts_received_total",
		Help:      "Counter of validated alerts received on the webhook",
	}, []string{"severity"})

	AlertsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "webhook",
		Name:      "payloads_rejected_total",
		Help:      "Counter of webhook payloads rejected by validation",
	})

	AlertsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "broker",
		Name:      "alerts_published_total",
		Help:      "Counter of alerts confirmed by the broker, by delivery path",
	}, []string{"severity", "path"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "broker",
		Name:      "publish_failures_total",
		Help:      "Counter of failed publish attempts, by delivery path",
	}, []string{"path"})

	PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "broker",
		Name:      "publish_duration_seconds",
		Help:      "Time spent publishing one alert including the broker confirm",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	AlertsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "store",
		Name:      "alerts_stored_total",
		Help:      "Counter of alerts written to the failure store",
	}, []string{"severity"})

	StoreWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "store",
		Name:      "write_errors_total",
		Help:      "Counter of failed writes to the failure store",
	})

	StoreCorruptions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "store",
		Name:      "corruptions_total",
		Help:      "Counter of reads that found an unparseable failure store file",
	})

	StoreEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "store",
		Name:      "evicted_total",
		Help:      "Counter of stored alerts evicted by the max_records bound",
	})

	FailedPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "store",
		Name:      "pending_alerts",
		Help:      "Number of alerts waiting in the failure store",
	})

	RetryCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "retry",
		Name:      "cycles_total",
		Help:      "Counter of retry cycles, by result",
	}, []string{"result"})

	RetryExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "retry",
		Name:      "exhausted_total",
		Help:      "Counter of stored alerts dropped after reaching max_attempts",
	})

	RetryDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "retry",
		Name:      "invalid_discarded_total",
		Help:      "Counter of stored alerts dropped because they no longer validate",
	})
)

func init() {
	prometheus.MustRegister(version.NewCollector(Namespace))
}
