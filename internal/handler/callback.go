// Package handler exposes the HTTP surface needed by external systems: the
// payment provider's asynchronous callback and probe endpoints wired in app.
package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/dengbanghan/shop-backend/internal/domain/payment"
)

// CallbackProcessor settles payments from provider notifications.
// Implemented by payment.Orchestrator.
type CallbackProcessor interface {
	HandleCallback(ctx context.Context, params map[string]string) error
}

// Callback handles POST notifications from the payment provider. The
// provider retries until it reads the literal body "SUCCESS".
type Callback struct {
	processor CallbackProcessor
}

func NewCallback(processor CallbackProcessor) *Callback {
	return &Callback{processor: processor}
}

func (h *Callback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}

	if err := h.processor.HandleCallback(r.Context(), params); err != nil {
		if errors.Is(err, payment.ErrInvalidCallback) {
			// Unverifiable notifications get a terminal FAIL so the
			// provider stops retrying them.
			zctx.From(r.Context()).Warn("rejected payment callback", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("FAIL"))
			return
		}
		// Transient failure: a non-SUCCESS body makes the provider redeliver.
		zctx.From(r.Context()).Error("payment callback failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("RETRY"))
		return
	}

	_, _ = w.Write([]byte("SUCCESS"))
}
