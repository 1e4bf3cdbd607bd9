// Package metrics holds the prometheus counters of a fleetd instance.
//
// Every method is safe on a nil *Metrics, so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Drop reasons.
const (
	DropCompliance   = "compliance"
	DropLocation     = "location"
	DropNoModule     = "no_module"
	DropQueueMissing = "queue_not_found"
	DropDecode       = "decode"
	DropSendFailed   = "send_failed"
)

// Send routes.
const (
	RouteLocal     = "local"
	RouteQueue     = "queue"
	RouteOffload   = "offload"
	RouteBroadcast = "broadcast"
)

type Metrics struct {
	reg *prometheus.Registry

	sent       *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	executions *prometheus.CounterVec
	reclaimed  prometheus.Counter
	wdErrors   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to a queue or dispatched in-process, by route.",
		}, []string{"route"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped by the router or listener, by reason.",
		}, []string{"reason"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished module executions, by execution model and outcome.",
		}, []string{"kind", "outcome"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_reclaimed_total",
			Help:      "Stale instances reclaimed by this instance's watchdog.",
		}),
		wdErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_errors_total",
			Help:      "Failed watchdog ticks.",
		}),
	}
	m.reg.MustRegister(
		m.sent, m.dropped, m.executions, m.reclaimed, m.wdErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) MessageSent(route string) {
	if m != nil {
		m.sent.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) MessageDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

// Execution records a finished run. kind is batch|fixed|event|system.
func (m *Metrics) Execution(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.executions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) InstanceReclaimed() {
	if m != nil {
		m.reclaimed.Inc()
	}
}

func (m *Metrics) WatchdogError() {
	if m != nil {
		m.wdErrors.Inc()
	}
}
