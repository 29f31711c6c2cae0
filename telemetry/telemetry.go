// Package telemetry collects operation metrics behind a small interface so
// the client core does not care whether metrics are scraped or discarded.
package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives one observation per client operation plus running
// counts from long browses. Implementations must be safe for concurrent
// use.
type Collector interface {
	// ObserveOp records one completed operation with its outcome.
	ObserveOp(op string, elapsed time.Duration, err error)

	// AddTagsDiscovered counts tags found by namespace browses.
	AddTagsDiscovered(n int)
}

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveOp(string, time.Duration, error) {}
func (Noop) AddTagsDiscovered(int)                  {}

// Prometheus exports observations as prometheus metrics.
type Prometheus struct {
	opDuration     *prometheus.HistogramVec
	opTotal        *prometheus.CounterVec
	tagsDiscovered prometheus.Counter
}

// NewPrometheus registers the collector's metrics on reg. Registering twice
// on the same registry reuses the existing collectors instead of failing,
// which keeps restartable components honest.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opclink",
			Name:      "op_duration_seconds",
			Help:      "Duration of client operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op"}),
		opTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opclink",
			Name:      "op_total",
			Help:      "Client operations by outcome.",
		}, []string{"op", "outcome"}),
		tagsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opclink",
			Name:      "tags_discovered_total",
			Help:      "Tags discovered by namespace browses.",
		}),
	}
	var err error
	if p.opDuration, err = register(reg, p.opDuration); err != nil {
		return nil, err
	}
	if p.opTotal, err = register(reg, p.opTotal); err != nil {
		return nil, err
	}
	if p.tagsDiscovered, err = register(reg, p.tagsDiscovered); err != nil {
		return nil, err
	}
	return p, nil
}

// register adds c to reg, handing back the already-registered collector
// when one with the same descriptor exists so repeat construction feeds
// the series the registry actually exposes.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (p *Prometheus) ObserveOp(op string, elapsed time.Duration, err error) {
	p.opDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.opTotal.WithLabelValues(op, outcome).Inc()
}

func (p *Prometheus) AddTagsDiscovered(n int) {
	p.tagsDiscovered.Add(float64(n))
}
