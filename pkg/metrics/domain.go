package metrics

import "github.com/prometheus/client_golang/prometheus"

// SalesMetrics counts the outcomes of webhook reconciliation, license
// allocation and waitlist delivery.
type SalesMetrics struct {
	webhooks    *prometheus.CounterVec
	allocations *prometheus.CounterVec
	outOfStock  *prometheus.CounterVec
	releases    *prometheus.CounterVec
	waitlist    *prometheus.CounterVec
}

func NewSalesMetrics(reg prometheus.Registerer) *SalesMetrics {
	if reg == nil {
		return &SalesMetrics{}
	}
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Gateway notifications by provider and reconcile result.",
	}, []string{"provider", "result"})
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "license_allocations_total",
		Help:      "Licenses bound to orders, by product and mode.",
	}, []string{"product", "mode"})
	outOfStock := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "license_out_of_stock_total",
		Help:      "Allocation attempts that found no available license.",
	}, []string{"product"})
	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "license_releases_total",
		Help:      "Licenses returned to the available pool, by reason.",
	}, []string{"reason"})
	waitlist := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "waitlist_transitions_total",
		Help:      "Waitlist entry transitions by resulting status.",
	}, []string{"status"})
	reg.MustRegister(webhooks, allocations, outOfStock, releases, waitlist)
	return &SalesMetrics{
		webhooks:    webhooks,
		allocations: allocations,
		outOfStock:  outOfStock,
		releases:    releases,
		waitlist:    waitlist,
	}
}

func (m *SalesMetrics) IncWebhook(provider, result string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(provider), normalizeLabel(result)).Inc()
}

func (m *SalesMetrics) IncAllocation(product, mode string) {
	if m == nil || m.allocations == nil {
		return
	}
	m.allocations.WithLabelValues(normalizeLabel(product), normalizeLabel(mode)).Inc()
}

func (m *SalesMetrics) IncOutOfStock(product string) {
	if m == nil || m.outOfStock == nil {
		return
	}
	m.outOfStock.WithLabelValues(normalizeLabel(product)).Inc()
}

func (m *SalesMetrics) IncRelease(reason string) {
	if m == nil || m.releases == nil {
		return
	}
	m.releases.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *SalesMetrics) IncWaitlist(status string) {
	if m == nil || m.waitlist == nil {
		return
	}
	m.waitlist.WithLabelValues(normalizeLabel(status)).Inc()
}
