package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bdm"

// Metrics holds the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	TaskTransitions *prometheus.CounterVec
	BytesDownloaded prometheus.Counter
	Retries         prometheus.Counter
	ActiveTasks     prometheus.Gauge
	FetchDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TaskTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_transitions_total",
				Help:      "Count of task state transitions by target state.",
			},
			[]string{"state"},
		),
		BytesDownloaded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_downloaded_total",
				Help:      "Body bytes written to partial files.",
			},
		),
		Retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Transient failures that were retried.",
			},
		),
		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Tasks currently holding a worker slot.",
			},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Duration of individual range requests.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
			},
			[]string{"outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.TaskTransitions, m.BytesDownloaded, m.Retries, m.ActiveTasks, m.FetchDuration)
	}
	return m
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) AddBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesDownloaded.Add(float64(n))
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveTasks.Set(float64(n))
}

func (m *Metrics) ObserveFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
