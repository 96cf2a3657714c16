package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dengbanghan/shop-backend/internal/domain/inventory"
	"github.com/dengbanghan/shop-backend/internal/domain/order"
	"github.com/dengbanghan/shop-backend/internal/domain/payment"
	"github.com/dengbanghan/shop-backend/internal/domain/promotion"
	"github.com/dengbanghan/shop-backend/internal/domain/user"
)

// OrderService is the order lifecycle surface the HTTP layer needs.
// Implemented by order.Service.
type OrderService interface {
	CreateOrder(ctx context.Context, req order.CreateOrderRequest) (*order.Order, error)
	Cancel(ctx context.Context, orderID, actorID int64) error
	RequestRefund(ctx context.Context, orderID, actorID int64, reason string) error
	ConfirmReceipt(ctx context.Context, orderID, actorID int64) error
}

// OrderLister reads orders for display. Implemented by the order repository.
type OrderLister interface {
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]order.Order, error)
}

// PaymentQuerier reconciles an order's payment status with the gateway.
// Implemented by payment.Orchestrator.
type PaymentQuerier interface {
	QueryStatus(ctx context.Context, orderID int64) (payment.Status, error)
}

// Orders serves the order lifecycle endpoints.
type Orders struct {
	svc      OrderService
	lister   OrderLister
	payments PaymentQuerier
}

func NewOrders(svc OrderService, lister OrderLister, payments PaymentQuerier) *Orders {
	return &Orders{svc: svc, lister: lister, payments: payments}
}

// Register mounts the order routes on mux.
func (h *Orders) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders", h.create)
	mux.HandleFunc("GET /orders", h.list)
	mux.HandleFunc("POST /orders/{id}/cancel", h.cancel)
	mux.HandleFunc("POST /orders/{id}/refund", h.refund)
	mux.HandleFunc("POST /orders/{id}/receipt", h.receipt)
	mux.HandleFunc("GET /orders/{id}/payment", h.paymentStatus)
}

type createOrderRequest struct {
	UserID          int64           `json:"user_id"`
	Lines           []cartLine      `json:"lines"`
	ShippingAddress string          `json:"shipping_address"`
	ShippingFee     decimal.Decimal `json:"shipping_fee"`
	Method          int16           `json:"payment_method"`
	Note            string          `json:"note,omitempty"`
	InvoiceNeeded   bool            `json:"invoice_needed,omitempty"`
	InvoiceTitle    string          `json:"invoice_title,omitempty"`
	InvoiceContent  string          `json:"invoice_content,omitempty"`
}

type cartLine struct {
	ProductID int64 `json:"product_id"`
	SKUID     int64 `json:"sku_id,omitempty"`
	Quantity  int   `json:"quantity"`
}

type actorRequest struct {
	UserID int64  `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (h *Orders) create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lines := make([]order.CartLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, order.CartLine{ProductID: l.ProductID, SKUID: l.SKUID, Quantity: l.Quantity})
	}

	o, err := h.svc.CreateOrder(r.Context(), order.CreateOrderRequest{
		UserID:          req.UserID,
		Lines:           lines,
		ShippingAddress: req.ShippingAddress,
		ShippingFee:     req.ShippingFee,
		Method:          order.PaymentMethod(req.Method),
		Note:            req.Note,
		InvoiceNeeded:   req.InvoiceNeeded,
		InvoiceTitle:    req.InvoiceTitle,
		InvoiceContent:  req.InvoiceContent,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, orderResponse(o))
}

func (h *Orders) list(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	orders, err := h.lister.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(orders))
	for i := range orders {
		out = append(out, orderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (h *Orders) cancel(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(ctx context.Context, orderID int64, req actorRequest) error {
		return h.svc.Cancel(ctx, orderID, req.UserID)
	})
}

func (h *Orders) refund(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(ctx context.Context, orderID int64, req actorRequest) error {
		return h.svc.RequestRefund(ctx, orderID, req.UserID, req.Reason)
	})
}

func (h *Orders) receipt(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(ctx context.Context, orderID int64, req actorRequest) error {
		return h.svc.ConfirmReceipt(ctx, orderID, req.UserID)
	})
}

func (h *Orders) paymentStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || orderID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	status, err := h.payments.QueryStatus(r.Context(), orderID)
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrNotFound):
		writeError(w, http.StatusNotFound, "no payment for order")
		return
	case errors.Is(err, payment.ErrGatewayIndeterminate):
		// Provider unreachable: report the still-pending local state.
	default:
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": orderID,
		"status":   status.String(),
	})
}

func (h *Orders) act(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, orderID int64, req actorRequest) error) {
	orderID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || orderID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := fn(r.Context(), orderID, req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func orderResponse(o *order.Order) map[string]any {
	items := make([]map[string]any, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, map[string]any{
			"product_id":   it.ProductID,
			"sku_id":       it.SKUID,
			"product_name": it.ProductName,
			"price":        it.Price,
			"quantity":     it.Quantity,
			"total_price":  it.TotalPrice,
		})
	}
	return map[string]any{
		"id":               o.ID,
		"order_no":         o.OrderNo,
		"user_id":          o.UserID,
		"status":           o.Status.String(),
		"total_amount":     o.TotalAmount,
		"discount_amount":  o.DiscountAmount,
		"shipping_fee":     o.ShippingFee,
		"payment_amount":   o.PaymentAmount,
		"shipping_address": o.ShippingAddress,
		"items":            items,
		"created_at":       o.CreatedAt,
	}
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		illegal *order.IllegalTransitionError
		noStock *inventory.InsufficientStockError
	)
	switch {
	case errors.Is(err, order.ErrInvalidCart),
		errors.Is(err, user.ErrNotFound),
		errors.Is(err, promotion.ErrCouponExpired),
		errors.Is(err, promotion.ErrCouponNotOwned):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &illegal), errors.As(err, &noStock), errors.Is(err, promotion.ErrCouponUsed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zctx.From(r.Context()).Error("order request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
