package notify

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports saga and command outcomes to prometheus.
type Metrics struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Commands   *prometheus.CounterVec
	Responses  *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors on reg. A nil reg skips
// registration.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "saga",
				Name:      "operations_total",
				Help:      "Number of finished flow operations.",
			},
			[]string{"operation", "result"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "saga",
				Name:      "duration_seconds",
				Help:      "Duration of flow operations.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "speaker",
				Name:      "command_outcomes_total",
				Help:      "Number of settled speaker commands by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		Responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "northbound",
				Name:      "responses_total",
				Help:      "Number of northbound responses by error kind.",
			},
			[]string{"operation", "error_kind"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Operations, m.Duration, m.Commands, m.Responses} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Attach subscribes the collectors to d.
func (m *Metrics) Attach(d *Dispatcher) []Subscription {
	return []Subscription{
		d.Subscribe(TopicMetrics, func(_ context.Context, payload any) {
			if sample, ok := payload.(Measurement); ok {
				m.observe(sample)
			}
		}),
		d.Subscribe(TopicNorthbound, func(_ context.Context, payload any) {
			if resp, ok := payload.(Response); ok {
				kind := "none"
				if !resp.Success {
					kind = string(resp.ErrorKind)
				}
				m.Responses.WithLabelValues(resp.Operation, kind).Inc()
			}
		}),
	}
}

func (m *Metrics) observe(s Measurement) {
	m.Operations.WithLabelValues(s.Operation, s.Result).Inc()
	m.Duration.WithLabelValues(s.Operation).Observe(s.Duration.Seconds())
	for outcome, n := range s.Commands {
		m.Commands.WithLabelValues(s.Operation, outcome).Add(float64(n))
	}
}
