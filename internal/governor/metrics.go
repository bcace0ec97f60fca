package governor

import "github.com/prometheus/client_golang/prometheus"

var (
	metricLoads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voxd",
		Subsystem: "governor",
		Name:      "loads_total",
		Help:      "Total native model loads",
	})

	metricEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voxd",
		Subsystem: "governor",
		Name:      "evictions_total",
		Help:      "Total evictions performed to free memory",
	})

	metricUsedMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "voxd",
		Subsystem: "governor",
		Name:      "committed_memory_mb",
		Help:      "Memory committed by loaded models in MB",
	})
)

func init() {
	prometheus.MustRegister(metricLoads, metricEvictions, metricUsedMB)
}
