package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	outcomeOK         = "ok"
	outcomeInvalid    = "invalid"
	outcomeResolution = "resolution_error"
	outcomeDispatch   = "dispatch_error"

	replyAccepted   = "accepted"
	replyDuplicate  = "duplicate"
	replyUnknown    = "unknown_request"
	replyUnexpected = "unexpected_device"
	replyMalformed  = "malformed"

	waitComplete  = "complete"
	waitPartial   = "partial"
	waitCancelled = "cancelled"
	waitUnknown   = "unknown_request"
)

var (
	publishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_publishes_total",
			Help: "Total number of publish calls by outcome.",
		},
		[]string{"outcome"},
	)

	repliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_replies_total",
			Help: "Total number of device replies received by outcome.",
		},
		[]string{"outcome"},
	)

	sendRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_send_retries_total",
			Help: "Total number of command sends retried after a transport failure.",
		},
	)

	directoryRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_directory_retries_total",
			Help: "Total number of directory lookups retried after a transient failure.",
		},
	)

	targetsPerRequest = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatchd_targets_per_request",
			Help:    "Number of resolved devices per published request.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	resultsWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatchd_results_wait_seconds",
			Help:    "Time a results call spent waiting, in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	registryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchd_registry_entries",
			Help: "Number of requests currently held in the registry.",
		},
	)

	registryExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_registry_expired_total",
			Help: "Total number of requests evicted after their retention TTL.",
		},
	)
)

func init() {
	prometheus.MustRegister(publishesTotal)
	prometheus.MustRegister(repliesTotal)
	prometheus.MustRegister(sendRetriesTotal)
	prometheus.MustRegister(directoryRetriesTotal)
	prometheus.MustRegister(targetsPerRequest)
	prometheus.MustRegister(resultsWaitDuration)
	prometheus.MustRegister(registryEntries)
	prometheus.MustRegister(registryExpiredTotal)

	for _, o := range []string{outcomeOK, outcomeInvalid, outcomeResolution, outcomeDispatch} {
		publishesTotal.WithLabelValues(o)
	}
	for _, o := range []string{replyAccepted, replyDuplicate, replyUnknown, replyUnexpected, replyMalformed} {
		repliesTotal.WithLabelValues(o)
	}
}
