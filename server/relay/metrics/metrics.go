package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

var (
	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_submitted_total",
			Help:      "Message submissions by result.",
		},
		[]string{"result"},
	)
	deliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_delivered_total",
		Help:      "Messages pushed to an online receiver.",
	})
	reads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_read_total",
		Help:      "Messages moved to read by a receipt.",
	})
)

// Submission results.
const (
	ResultOK        = "ok"
	ResultDuplicate = "duplicate"
	ResultFailed    = "failed"
)

func ObserveSubmit(result string) { submissions.WithLabelValues(result).Inc() }

func ObserveDelivered() { deliveries.Inc() }

func ObserveRead(n int) {
	if n > 0 {
		reads.Add(float64(n))
	}
}

// Register adds the relay collectors to reg. online reports the number of
// identities currently bound to a connection.
func Register(reg prometheus.Registerer, online func() int) {
	reg.MustRegister(submissions, deliveries, reads)
	if online != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Identities with a live connection on this node.",
		}, func() float64 { return float64(online()) }))
	}
}

// Handler serves the collectors registered on reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
