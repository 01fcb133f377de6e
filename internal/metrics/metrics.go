package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chainfeed"

var (
	messagesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_published_total",
		Help:      "Total messages accepted by the broker, by kind",
	}, []string{"kind"})

	publishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_errors_total",
		Help:      "Total publish attempts that failed, by kind",
	}, []string{"kind"})

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_reconnects_total",
		Help:      "Total node subscription reconnects, by listener",
	}, []string{"listener"})

	reorgsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reorgs_total",
		Help:      "Total chain reorganizations resolved by the block listener",
	})

	reorgDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reorg_depth",
		Help:      "Depth of resolved chain reorganizations",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
	})

	blockGapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_gaps_total",
		Help:      "Total blocks recorded as gaps after exhausting fetch retries",
	})

	mempoolTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mempool_tracked",
		Help:      "Currently tracked pending transactions",
	})

	mempoolDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mempool_dropped_total",
		Help:      "Total pending transactions aged out as dropped",
	})

	decodeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_failures_total",
		Help:      "Total payloads that failed to decode and were skipped, by listener",
	}, []string{"listener"})
)

// MessagePublished increments the published counter for a message kind.
func MessagePublished(kind string) {
	messagesPublishedTotal.WithLabelValues(kind).Inc()
}

// PublishError increments the publish error counter for a message kind.
func PublishError(kind string) {
	publishErrorsTotal.WithLabelValues(kind).Inc()
}

// Reconnect increments the reconnect counter for a listener.
func Reconnect(listener string) {
	reconnectsTotal.WithLabelValues(listener).Inc()
}

// ReorgResolved records a resolved reorg and its depth.
func ReorgResolved(depth int) {
	reorgsTotal.Inc()
	reorgDepth.Observe(float64(depth))
}

// BlockGap records a block given up on after fetch retries.
func BlockGap() {
	blockGapsTotal.Inc()
}

// MempoolTrackedSet sets the current tracked mempool size.
func MempoolTrackedSet(n int) {
	mempoolTracked.Set(float64(n))
}

// MempoolDropped increments the aged-out counter.
func MempoolDropped() {
	mempoolDroppedTotal.Inc()
}

// DecodeFailure increments the skipped-item counter for a listener.
func DecodeFailure(listener string) {
	decodeFailuresTotal.WithLabelValues(listener).Inc()
}
