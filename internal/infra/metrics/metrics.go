// Package metrics holds the ledger's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "audit_ledger"

type Metrics struct {
	Published   *prometheus.CounterVec
	Deliveries  *prometheus.CounterVec
	Appends     *prometheus.CounterVec
	Corruptions *prometheus.CounterVec
	Verified    prometheus.Counter
	Emissions   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg uses a private registry,
// which keeps tests independent of each other.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Audit events handed to the broker, by result.",
		}, []string{"result"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Broker deliveries processed by the consumer, by outcome.",
		}, []string{"outcome"}),
		Appends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Ledger appends, by result.",
		}, []string{"result"}),
		Corruptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_corruptions_total",
			Help:      "Corrupted records reported by verification runs, by reason.",
		}, []string{"reason"}),
		Verified: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_records_total",
			Help:      "Records checked by verification runs.",
		}),
		Emissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emissions_total",
			Help:      "Requests seen by the emission interceptor, by decision.",
		}, []string{"decision"}),
		gatherer: reg,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePublish(result string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDelivery(outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAppend(result string) {
	if m == nil {
		return
	}
	m.Appends.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveEmission(decision string) {
	if m == nil {
		return
	}
	m.Emissions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveVerification(checked int, reasons []string) {
	if m == nil {
		return
	}
	m.Verified.Add(float64(checked))
	for _, reason := range reasons {
		m.Corruptions.WithLabelValues(reason).Inc()
	}
}
