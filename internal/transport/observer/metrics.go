package observer

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labkit.ai/internal/srz"
)

const (
	metricsNamespace = "labkit"
	srzSubsystem     = "srz"
)

// Metrics counts scheduler activity. It is a srz.TickSink and owns its
// registry so several sessions in one process do not collide.
type Metrics struct {
	// Ticks counts committed batches.
	Ticks prometheus.Counter
	// Commits counts accepted proposals.
	Commits prometheus.Counter
	// Drops counts dropped proposals by reason.
	Drops *prometheus.CounterVec
	// Checkpoints counts checkpoint hashes.
	Checkpoints prometheus.Counter
	// Refusals counts refused runs and dispatches by reason code.
	Refusals *prometheus.CounterVec
	// LastTick is the tick of the most recent batch.
	LastTick prometheus.Gauge
	// Subscribers is the number of connected stream clients.
	Subscribers prometheus.Gauge

	reg *prometheus.Registry
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: srzSubsystem, Name: "ticks_total",
			Help: "Committed scheduler batches.",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: srzSubsystem, Name: "commits_total",
			Help: "Accepted intent proposals.",
		}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: srzSubsystem, Name: "drops_total",
			Help: "Dropped intent proposals.",
		}, []string{"reason"}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: srzSubsystem, Name: "checkpoints_total",
			Help: "Checkpoint hashes produced.",
		}),
		Refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "refusals_total",
			Help: "Refusals by reason code.",
		}, []string{"reason_code"}),
		LastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: srzSubsystem, Name: "last_tick",
			Help: "Tick of the most recent committed batch.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "observer", Name: "subscribers",
			Help: "Connected tick stream clients.",
		}),
		reg: prometheus.NewRegistry(),
	}
	m.reg.MustRegister(m.Ticks, m.Commits, m.Drops, m.Checkpoints, m.Refusals, m.LastTick, m.Subscribers)
	return m
}

// WriteTick implements srz.TickSink.
func (m *Metrics) WriteTick(rec srz.TickRecord) error {
	m.Ticks.Inc()
	m.Commits.Add(float64(len(rec.Accepted)))
	for _, d := range rec.Dropped {
		m.Drops.WithLabelValues(d.Reason).Inc()
	}
	if rec.CheckpointHash != "" {
		m.Checkpoints.Inc()
	}
	m.LastTick.Set(float64(rec.Tick))
	return nil
}

// Refused records one refusal.
func (m *Metrics) Refused(code string) {
	m.Refusals.WithLabelValues(code).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
