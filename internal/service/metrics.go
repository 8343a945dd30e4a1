package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iliyamo/train-ticket-booking/internal/stock"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	Results      *prometheus.CounterVec
	StockCodes   *prometheus.CounterVec
	LockFailures *prometheus.CounterVec
	Fulfilled    prometheus.Counter
	Settlements  *prometheus.CounterVec
	Expired      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.  A nil
// reg leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_results_total",
			Help: "Coordinator outcomes by operation and status.",
		}, []string{"op", "status"}),
		StockCodes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_stock_script_failures_total",
			Help: "Stock script calls that did not return success, by code.",
		}, []string{"op", "code"}),
		LockFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_lock_failures_total",
			Help: "Lock acquisitions that timed out or failed.",
		}, []string{"op"}),
		Fulfilled: f.NewCounter(prometheus.CounterOpts{
			Name: "booking_waitlist_fulfilled_total",
			Help: "Waitlist items promoted to tickets.",
		}),
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_change_settlements_total",
			Help: "Change pairings settled on payment, by outcome.",
		}, []string{"outcome"}),
		Expired: f.NewCounter(prometheus.CounterOpts{
			Name: "booking_unpaid_orders_expired_total",
			Help: "Unpaid orders cancelled by the expiry sweep.",
		}),
	}
}

func (m *Metrics) result(op string, r Result) Result {
	m.Results.WithLabelValues(op, string(r.Status)).Inc()
	return r
}

func (m *Metrics) stockCode(op string, c stock.Code) {
	m.StockCodes.WithLabelValues(op, c.String()).Inc()
}
