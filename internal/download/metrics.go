package download

import "github.com/prometheus/client_golang/prometheus"

var (
	metricBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voxd_download_bytes_total",
		Help: "Total bytes transferred across all download tasks.",
	})
	metricCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voxd_download_completed_total",
		Help: "Download tasks finished with a verified artifact.",
	})
	metricFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voxd_download_failed_total",
		Help: "Download tasks terminated without a verified artifact, cancellations included.",
	})
)

func init() {
	prometheus.MustRegister(metricBytes, metricCompleted, metricFailed)
}
