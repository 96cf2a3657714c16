package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ChargeRequest asks the gateway to collect a payment.
type ChargeRequest struct {
	PaymentNo string
	Amount    decimal.Decimal
	Subject   string
	NotifyURL string
}

// ChargeResult is the gateway's synchronous answer to a charge.
type ChargeResult struct {
	Success       bool
	TransactionID string
	FailReason    string
	Raw           string // raw gateway response, persisted for audit
}

// RefundRequest asks the gateway to return money for a prior charge.
type RefundRequest struct {
	PaymentNo     string
	TransactionID string
	Amount        decimal.Decimal
	Reason        string
}

// RefundResult is the gateway's answer to a refund.
type RefundResult struct {
	Success  bool
	RefundID string
	Raw      string
}

// QueryRequest asks the gateway for the authoritative state of a charge
// whose local outcome is unknown.
type QueryRequest struct {
	PaymentNo string
	Amount    decimal.Decimal
}

// QueryResult is the gateway's answer to a status query. Settled is false
// while the provider itself has not reached a final state.
type QueryResult struct {
	Settled       bool
	Success       bool
	TransactionID string
	PaidAt        time.Time
	Raw           string
}

// CallbackEvent is a verified asynchronous notification from the gateway.
type CallbackEvent struct {
	PaymentNo     string
	TransactionID string
	Succeeded     bool
	PaidAt        time.Time
	Raw           string
}

// Gateway abstracts the external payment provider. Implementations verify
// callback signatures before producing a CallbackEvent.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)
	VerifyCallback(params map[string]string) (*CallbackEvent, error)
}
