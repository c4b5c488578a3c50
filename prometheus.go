package procdisp

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics holds the Prometheus collectors of a dispatcher.
type promMetrics struct {
	dispatchesTotal  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	poolSize         *prometheus.GaugeVec
	workerEvents     *prometheus.CounterVec
}

func newPromMetrics(registerer prometheus.Registerer) *promMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &promMetrics{
		dispatchesTotal: register(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procdisp_dispatches_total",
				Help: "Total number of dispatched calls",
			},
			[]string{"module", "function", "outcome"},
		)),
		dispatchDuration: register(registerer, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "procdisp_dispatch_duration_seconds",
				Help:    "Dispatched call duration in seconds, worker start included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"module"},
		)),
		poolSize: register(registerer, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "procdisp_pool_size",
				Help: "Number of pooled worker processes",
			},
			[]string{"module"},
		)),
		workerEvents: register(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procdisp_worker_events_total",
				Help: "Worker lifecycle events",
			},
			[]string{"module", "event"}, // event: spawned, stopped, lost
		)),
	}
}

// register registers c, or returns the collector already registered under
// the same descriptor so several dispatchers can share one registry.
func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		Log.WithError(err).Warn("Failed to register collector")
	}
	return c
}

func (p *promMetrics) observeDispatch(module, function string, elapsed time.Duration, err error) {
	if p == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	p.dispatchesTotal.WithLabelValues(module, function, outcome).Inc()
	p.dispatchDuration.WithLabelValues(module).Observe(elapsed.Seconds())
}

func (p *promMetrics) setPoolSize(module string, n int) {
	if p == nil {
		return
	}
	p.poolSize.WithLabelValues(module).Set(float64(n))
}

func (p *promMetrics) workerEvent(module, event string) {
	if p == nil {
		return
	}
	p.workerEvents.WithLabelValues(module, event).Inc()
}
