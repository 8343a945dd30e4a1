// Package service holds the booking engine: the coordinators that book,
// pay, refund, change and cancel orders, the waitlist and its fulfillment
// scheduler, and the adapters they need (seat allocator, conflict checker,
// order publisher).
package service

// Status is the outcome class of a coordinator call.
type Status string

const (
	StatusSuccess           Status = "SUCCESS"
	StatusFailed            Status = "FAILED"
	StatusInsufficientStock Status = "INSUFFICIENT_STOCK"
)

// Result is what every coordinator returns.  Business outcomes are never
// reported as Go errors.
type Result struct {
	Status            Status `json:"status"`
	Message           string `json:"message"`
	OrderID           uint64 `json:"order_id,omitempty"`
	OrderNumber       string `json:"order_number,omitempty"`
	TotalAmountCents  int64  `json:"total_amount_cents"`
	RefundAmountCents int64  `json:"refund_amount_cents,omitempty"`
	// Busy marks failures caused by lock contention; the caller may retry.
	Busy bool `json:"-"`
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

func success(msg string) Result { return Result{Status: StatusSuccess, Message: msg} }

func failed(msg string) Result { return Result{Status: StatusFailed, Message: msg} }

func insufficient(msg string) Result { return Result{Status: StatusInsufficientStock, Message: msg} }

func busy(msg string) Result { return Result{Status: StatusFailed, Message: msg, Busy: true} }
