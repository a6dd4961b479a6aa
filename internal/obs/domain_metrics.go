package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// URLClassifiedTotal counts browser navigations by classification.
	URLClassifiedTotal *prometheus.CounterVec
	// DeepLinkDispatchTotal counts bank app launch attempts by platform and result.
	DeepLinkDispatchTotal *prometheus.CounterVec
	// BrowserLoadErrorTotal counts web view load errors, split by whether they were ignored.
	BrowserLoadErrorTotal *prometheus.CounterVec
	// PaymentPollRequestsTotal counts status requests issued by pollers.
	PaymentPollRequestsTotal *prometheus.CounterVec
	// PaymentPollOutcomeTotal counts how polling sessions ended.
	PaymentPollOutcomeTotal *prometheus.CounterVec
	// CheckoutSessionsActive tracks open checkout sessions in the bridge.
	CheckoutSessionsActive prometheus.Gauge
)

// MustRegisterDomainMetrics initialises and registers payment flow collectors.
// Calls after the first are no-ops.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		URLClassifiedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_url_classified_total",
			Help:      "Browser navigations by URL classification.",
		}, []string{"kind"})
		DeepLinkDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deeplink_dispatch_total",
			Help:      "Bank app launch attempts by platform and result.",
		}, []string{"platform", "result"})
		BrowserLoadErrorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_load_error_total",
			Help:      "Web view load errors reported by the shell.",
		}, []string{"ignored"})
		PaymentPollRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_poll_requests_total",
			Help:      "Payment status requests by result.",
		}, []string{"result"})
		PaymentPollOutcomeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_poll_outcome_total",
			Help:      "Finished polling sessions by outcome.",
		}, []string{"outcome"})
		CheckoutSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkout_sessions_active",
			Help:      "Checkout sessions currently held by the bridge.",
		})

		mustRegisterCollector(reg, URLClassifiedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				URLClassifiedTotal = v
			}
		})
		mustRegisterCollector(reg, DeepLinkDispatchTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				DeepLinkDispatchTotal = v
			}
		})
		mustRegisterCollector(reg, BrowserLoadErrorTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				BrowserLoadErrorTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentPollRequestsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentPollRequestsTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentPollOutcomeTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentPollOutcomeTotal = v
			}
		})
		mustRegisterCollector(reg, CheckoutSessionsActive, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				CheckoutSessionsActive = v
			}
		})
	})
}

// Inc increments a labelled counter when the collector has been registered.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}
