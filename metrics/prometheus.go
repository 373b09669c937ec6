package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes metric names when none is configured.
const DefaultNamespace = "statemachine"

// Prometheus implements Recorder with counters and a tick histogram.
type Prometheus struct {
	ticks        *prometheus.CounterVec
	tickErrors   *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	tickWork     *prometheus.CounterVec
	claimed      *prometheus.CounterVec
	processed    *prometheus.CounterVec
	notProcessed *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
}

// NewPrometheus registers the engine collectors on reg. Passing nil
// registers nothing, which is handy for tests that only read values.
func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Prometheus{
		ticks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manager_ticks_total",
				Help:      "Total number of manager ticks",
			},
			[]string{"manager"},
		),
		tickErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manager_tick_errors_total",
				Help:      "Total number of manager ticks that ended with an error",
			},
			[]string{"manager"},
		),
		tickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "manager_tick_duration_seconds",
				Help:      "Duration of a manager tick",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"manager"},
		),
		tickWork: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manager_entities_processed_total",
				Help:      "Entities processed across all processors of a manager",
			},
			[]string{"manager"},
		),
		claimed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_entities_claimed_total",
				Help:      "Entities leased by a processor batch query",
			},
			[]string{"processor"},
		),
		processed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_entities_processed_total",
				Help:      "Entities a processor reported as processed",
			},
			[]string{"processor"},
		),
		notProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_entities_released_total",
				Help:      "Entities released without processing",
			},
			[]string{"processor"},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_outcomes_total",
				Help:      "Retry processor outcomes by stage",
			},
			[]string{"stage", "outcome"},
		),
	}
}

func (p *Prometheus) RecordTick(manager string, processed int, duration time.Duration) {
	p.ticks.WithLabelValues(manager).Inc()
	p.tickDuration.WithLabelValues(manager).Observe(duration.Seconds())
	if processed > 0 {
		p.tickWork.WithLabelValues(manager).Add(float64(processed))
	}
}

func (p *Prometheus) RecordTickError(manager string) {
	p.tickErrors.WithLabelValues(manager).Inc()
}

func (p *Prometheus) RecordClaimed(processor string, n int) {
	if n > 0 {
		p.claimed.WithLabelValues(processor).Add(float64(n))
	}
}

func (p *Prometheus) RecordProcessed(processor string, n int) {
	if n > 0 {
		p.processed.WithLabelValues(processor).Add(float64(n))
	}
}

func (p *Prometheus) RecordNotProcessed(processor string) {
	p.notProcessed.WithLabelValues(processor).Inc()
}

func (p *Prometheus) RecordOutcome(stage, outcome string) {
	p.outcomes.WithLabelValues(stage, outcome).Inc()
}
