// Package metrics exposes coordinator counters. A nil *Collector is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "uniqw"

type Collector struct {
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	finishes   *prometheus.CounterVec
	aborts     prometheus.Counter
	cascades   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Deliveries handled, by role and response code.",
		}, []string{"role", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent handling one delivery.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"role"}),
		finishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks moved to a terminal status.",
		}, []string{"kind", "status"}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_aborted_total",
			Help:      "Abort decisions taken after the failure threshold was exceeded.",
		}),
		cascades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependents_cascaded_total",
			Help:      "Dependent tasks released or canceled by a finishing parent.",
		}, []string{"status"}),
	}
	reg.MustRegister(c.deliveries, c.duration, c.finishes, c.aborts, c.cascades)
	return c
}

func (c *Collector) Delivery(role string, code int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(role, strconv.Itoa(code)).Inc()
	c.duration.WithLabelValues(role).Observe(elapsed.Seconds())
}

func (c *Collector) Finished(kind, status string) {
	if c == nil {
		return
	}
	c.finishes.WithLabelValues(kind, status).Inc()
}

func (c *Collector) Aborted() {
	if c == nil {
		return
	}
	c.aborts.Inc()
}

func (c *Collector) Cascaded(status string) {
	if c == nil {
		return
	}
	c.cascades.WithLabelValues(status).Inc()
}
