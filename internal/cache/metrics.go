package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelmgr",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Model cache lookups by result (hit or miss)",
		},
		[]string{"result"},
	)

	cacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelmgr",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total model cache evictions",
		},
	)

	cacheResidentBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modelmgr",
			Subsystem: "cache",
			Name:      "resident_bytes",
			Help:      "Bytes currently held by the model cache",
		},
	)

	cacheLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "modelmgr",
			Subsystem: "cache",
			Name:      "load_duration_seconds",
			Help:      "Duration of model loads on cache miss",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(cacheLookupsTotal, cacheEvictionsTotal, cacheResidentBytes, cacheLoadDuration)
}
