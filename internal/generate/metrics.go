package generate

import "github.com/prometheus/client_golang/prometheus"

var (
	metricRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voxd_generate_requests_total",
		Help: "Generation requests accepted.",
	})
	metricTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voxd_generate_tokens_total",
		Help: "Token fragments emitted to clients.",
	})
	metricTTFT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxd_generate_ttft_seconds",
		Help:    "Time from request accept to first emitted token.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(metricRequests, metricTokens, metricTTFT)
}
