package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	Passed  = "passed"
	Failed  = "failed"
	Errored = "errored"
)

// Metrics instruments trial runs.
type Metrics struct {
	Trials        *prometheus.CounterVec
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
	Connects      prometheus.Counter
	Duration      prometheus.Histogram
	LastRatio     prometheus.Gauge
	Up            prometheus.Gauge
}

// New creates the trial metrics and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bufferprobe_trials_total",
			Help: "Number of trials completed, by outcome.",
		}, []string{"outcome"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bufferprobe_bytes_sent_total",
			Help: "Payload bytes accepted by the transport.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bufferprobe_bytes_received_total",
			Help: "Bytes read back from the target.",
		}),
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bufferprobe_connects_total",
			Help: "Number of successful TCP connects.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bufferprobe_trial_duration_seconds",
			Help:    "Wall time from connect to verification.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms .. ~33s
		}),
		LastRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bufferprobe_last_similarity_ratio",
			Help: "Similarity ratio computed by the most recent file-mode trial.",
		}),
		Up: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bufferprobe_up",
			Help: "Exporter health indicator (1 = up).",
		}),
	}
	// Pre-create outcome series so they export as zero.
	for _, o := range []string{Passed, Failed, Errored} {
		m.Trials.WithLabelValues(o)
	}
	if reg != nil {
		reg.MustRegister(
			m.Trials,
			m.BytesSent,
			m.BytesReceived,
			m.Connects,
			m.Duration,
			m.LastRatio,
			m.Up,
		)
	}
	m.Up.Set(1)
	return m
}

// ObserveTrial records one finished trial.
func (m *Metrics) ObserveTrial(outcome string, elapsed time.Duration) {
	m.Trials.WithLabelValues(outcome).Inc()
	m.Duration.Observe(elapsed.Seconds())
}
