package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	OrdersPlaced       prometheus.Counter
	OrdersCancelled    prometheus.Counter
	CheckoutRejected   *prometheus.CounterVec
	StatusChanges      *prometheus.CounterVec
	InventoryStepFails *prometheus.CounterVec
	UnitsDecremented   prometheus.Counter
	UnitsRestocked     prometheus.Counter
	SagasOpen          prometheus.Gauge
	CheckoutLatencySec prometheus.Histogram
	HTTPRequests       *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	placed := prometheus.NewCounter(prometheus.CounterOpts{Name: "bakery_orders_placed_total"})
	cancelled := prometheus.NewCounter(prometheus.CounterOpts{Name: "bakery_orders_cancelled_total"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bakery_checkout_rejected_total",
		Help: "Checkouts refused, by reason.",
	}, []string{"reason"})
	statusChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bakery_order_status_changes_total",
	}, []string{"status"})
	stepFails := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bakery_inventory_step_failures_total",
	}, []string{"action"})
	decremented := prometheus.NewCounter(prometheus.CounterOpts{Name: "bakery_inventory_units_decremented_total"})
	restocked := prometheus.NewCounter(prometheus.CounterOpts{Name: "bakery_inventory_units_restocked_total"})
	sagasOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bakery_sagas_open",
		Help: "Saga records with unfinished steps after the last reconcile.",
	})
	checkoutLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bakery_checkout_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bakery_http_requests_total",
	}, []string{"method", "code"})

	r.MustRegister(
		placed, cancelled, rejected, statusChanges, stepFails,
		decremented, restocked, sagasOpen, checkoutLatency, httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:                r,
		OrdersPlaced:       placed,
		OrdersCancelled:    cancelled,
		CheckoutRejected:   rejected,
		StatusChanges:      statusChanges,
		InventoryStepFails: stepFails,
		UnitsDecremented:   decremented,
		UnitsRestocked:     restocked,
		SagasOpen:          sagasOpen,
		CheckoutLatencySec: checkoutLatency,
		HTTPRequests:       httpRequests,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
