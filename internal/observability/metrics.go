// Package observability holds the Prometheus metrics exported by the service.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "visionchat"

// Encoding store metrics
var (
	StoreEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "encoding_store",
		Name:      "entries",
		Help:      "Number of image encodings currently held in the store",
	})

	StoreBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "encoding_store",
		Name:      "bytes",
		Help:      "Approximate memory held by stored image encodings",
	})

	StoreLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "encoding_store",
		Name:      "lookups_total",
		Help:      "Image key lookups by result (hit, miss)",
	}, []string{"result"})

	StoreEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "encoding_store",
		Name:      "evictions_total",
		Help:      "Encodings removed from the store by reason (ttl, invalidated)",
	}, []string{"reason"})

	StoreRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "encoding_store",
		Name:      "rejections_total",
		Help:      "Inserts refused because the store reached its capacity",
	})
)

// Inference gate metrics
var (
	SlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "slots_in_use",
		Help:      "Inference slots currently held by a model call",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "queue_depth",
		Help:      "Requests waiting for an inference slot",
	})

	QueueWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "queue_wait_seconds",
		Help:      "Time spent waiting for an inference slot",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"op"})

	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "call_duration_seconds",
		Help:      "Duration of model calls while holding a slot",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"op", "outcome"})
)

// Requests counts coordinator operations by outcome ("ok" or an error type).
var Requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "requests_total",
	Help:      "Coordinator operations by operation and outcome",
}, []string{"operation", "outcome"})
