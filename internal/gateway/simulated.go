// Package gateway implements the payment provider integration. The simulated
// provider mirrors the sandbox contract: signed form-style parameter sets,
// synchronous charge results and asynchronous callbacks.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/dengbanghan/shop-backend/internal/domain/payment"
)

// autoSuccessLimit is the sandbox threshold: charges at or above this amount
// are declined so failure paths stay testable.
var autoSuccessLimit = decimal.NewFromInt(1000)

// Simulated is a payment.Gateway against the sandbox provider. In debug mode
// every charge succeeds regardless of amount.
type Simulated struct {
	key   string // shared signing key
	debug bool
	now   func() time.Time
}

func NewSimulated(key string, debug bool) *Simulated {
	return &Simulated{key: key, debug: debug, now: time.Now}
}

var _ payment.Gateway = (*Simulated)(nil)

// Charge approves amounts under the sandbox limit and declines the rest.
func (g *Simulated) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !g.debug && req.Amount.GreaterThanOrEqual(autoSuccessLimit) {
		params := map[string]string{
			"payment_no": req.PaymentNo,
			"result":     "FAIL",
			"err_code":   "PAYMENT_FAILED",
			"timestamp":  strconv.FormatInt(g.now().Unix(), 10),
		}
		params["sign"] = Sign(params, g.key)
		return &payment.ChargeResult{
			Success:    false,
			FailReason: "PAYMENT_FAILED",
			Raw:        encodeParams(params),
		}, nil
	}

	params := map[string]string{
		"payment_no":     req.PaymentNo,
		"transaction_id": newTransactionID(),
		"result":         "SUCCESS",
		"total_fee":      req.Amount.StringFixed(2),
		"timestamp":      strconv.FormatInt(g.now().Unix(), 10),
	}
	params["sign"] = Sign(params, g.key)
	return &payment.ChargeResult{
		Success:       true,
		TransactionID: params["transaction_id"],
		Raw:           encodeParams(params),
	}, nil
}

// Refund always succeeds in the sandbox.
func (g *Simulated) Refund(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := map[string]string{
		"payment_no": req.PaymentNo,
		"refund_id":  "RF" + newTransactionID()[2:],
		"refund_fee": req.Amount.StringFixed(2),
		"result":     "SUCCESS",
		"timestamp":  strconv.FormatInt(g.now().Unix(), 10),
	}
	params["sign"] = Sign(params, g.key)
	return &payment.RefundResult{
		Success:  true,
		RefundID: params["refund_id"],
		Raw:      encodeParams(params),
	}, nil
}

// Query reports the authoritative charge state. The sandbox settles every
// charge immediately, so the answer follows the same amount rule as Charge.
func (g *Simulated) Query(ctx context.Context, req payment.QueryRequest) (*payment.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !g.debug && req.Amount.GreaterThanOrEqual(autoSuccessLimit) {
		params := map[string]string{
			"payment_no": req.PaymentNo,
			"result":     "FAIL",
			"err_code":   "PAYMENT_FAILED",
			"timestamp":  strconv.FormatInt(g.now().Unix(), 10),
		}
		params["sign"] = Sign(params, g.key)
		return &payment.QueryResult{
			Settled: true,
			Raw:     encodeParams(params),
		}, nil
	}

	params := map[string]string{
		"payment_no":     req.PaymentNo,
		"transaction_id": newTransactionID(),
		"result":         "SUCCESS",
		"total_fee":      req.Amount.StringFixed(2),
		"timestamp":      strconv.FormatInt(g.now().Unix(), 10),
	}
	params["sign"] = Sign(params, g.key)
	return &payment.QueryResult{
		Settled:       true,
		Success:       true,
		TransactionID: params["transaction_id"],
		PaidAt:        g.now(),
		Raw:           encodeParams(params),
	}, nil
}

// VerifyCallback authenticates a provider notification and maps it onto a
// settlement event.
func (g *Simulated) VerifyCallback(params map[string]string) (*payment.CallbackEvent, error) {
	if err := VerifySign(params, g.key); err != nil {
		return nil, err
	}
	paymentNo := params["payment_no"]
	if paymentNo == "" {
		return nil, errors.New("callback missing payment_no")
	}

	event := &payment.CallbackEvent{
		PaymentNo:     paymentNo,
		TransactionID: params["transaction_id"],
		Succeeded:     params["result"] == "SUCCESS",
		Raw:           encodeParams(params),
	}
	if ts := params["timestamp"]; ts != "" {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse timestamp")
		}
		event.PaidAt = time.Unix(sec, 0)
	}
	return event, nil
}

func newTransactionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return "TX" + strings.ToUpper(hex.EncodeToString(b[:]))
}

func encodeParams(params map[string]string) string {
	v := make(url.Values, len(params))
	for k, val := range params {
		v.Set(k, val)
	}
	return v.Encode()
}
