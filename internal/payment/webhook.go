package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vonychka/ekskyrsiadima/internal/common"
	"github.com/vonychka/ekskyrsiadima/internal/ledger"
	"github.com/vonychka/ekskyrsiadima/internal/notify"
	"github.com/vonychka/ekskyrsiadima/internal/obs"
	"github.com/vonychka/ekskyrsiadima/internal/tbank"
)

// ackBody is the fixed acknowledgment the provider expects on every accepted
// notification.
const ackBody = "OK"

// ReplayStore is the slice of the Redis API used for the duplicate fast path.
type ReplayStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// EventDispatcher hands a settled outcome to the notification pipeline.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event notify.Event) error
}

// Webhook processes provider callbacks: structural validation, token
// verification, idempotent ledger recording, then fulfillment dispatch.
// Success is acknowledged only after the ledger write has committed.
type Webhook struct {
	TerminalKey string
	Password    string
	Ledger      ledger.Ledger
	Dispatcher  EventDispatcher
	Replay      ReplayStore
	ReplayTTL   time.Duration
	Logger      zerolog.Logger
}

// Handle implements the POST /payment/webhook endpoint.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	outcome := "error"
	defer func() {
		if obs.PaymentWebhookTotal != nil {
			obs.PaymentWebhookTotal.WithLabelValues(outcome).Inc()
		}
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		outcome = "malformed"
		common.JSONError(w, http.StatusBadRequest, "MALFORMED_NOTIFICATION", "unable to read payload", nil)
		return
	}
	n, err := tbank.ParseNotification(body)
	if err != nil {
		outcome = "malformed"
		common.JSONError(w, http.StatusBadRequest, "MALFORMED_NOTIFICATION", err.Error(), nil)
		return
	}
	if h.TerminalKey != "" && n.TerminalKey != h.TerminalKey {
		outcome = "malformed"
		common.JSONError(w, http.StatusBadRequest, "UNKNOWN_TERMINAL", "terminal key mismatch", nil)
		return
	}
	if err := tbank.VerifyNotification(n, h.Password); err != nil {
		outcome = "signature_mismatch"
		// security-relevant: log without the token or any derived secret material
		h.Logger.Warn().
			Str("order_id", n.OrderID).
			Str("payment_id", n.PaymentID).
			Str("status", n.Status).
			Msg("webhook signature verification failed")
		common.JSONError(w, http.StatusUnauthorized, "SIGNATURE_MISMATCH", "signature verification failed", nil)
		return
	}

	ctx := r.Context()

	// Non-terminal progress updates are acknowledged but never recorded.
	if !tbank.IsTerminal(n.Status) {
		outcome = "acknowledged"
		h.ack(w)
		return
	}

	// Fast path for provider redeliveries of a body we already settled. The
	// ledger lookup keeps this safe: if a prior delivery died between the
	// SetNX and its ledger write, processing falls through to RecordIfNew.
	if h.Replay != nil && h.ReplayTTL > 0 {
		key := "wh:tbank:" + common.Sha256Hex(string(body))
		fresh, err := h.Replay.SetNX(ctx, key, "1", h.ReplayTTL).Result()
		if err == nil && !fresh {
			if _, recorded, lookupErr := h.Ledger.Lookup(ctx, n.OrderID); lookupErr == nil && recorded {
				outcome = "duplicate"
				h.ack(w)
				return
			}
		}
	}

	firstTime, err := h.Ledger.RecordIfNew(ctx, ledger.Entry{
		OrderID:     n.OrderID,
		PaymentID:   n.PaymentID,
		Status:      n.Status,
		ProcessedAt: time.Now().UTC(),
	})
	if err != nil {
		// no acknowledgment: the provider must retry until the write lands
		h.Logger.Error().Err(err).Str("order_id", n.OrderID).Msg("ledger write failed")
		common.JSONError(w, http.StatusInternalServerError, "LEDGER_ERROR", "unable to record notification", nil)
		return
	}
	if !firstTime {
		outcome = "duplicate"
		h.ack(w)
		return
	}

	if tbank.IsSettled(n.Status) {
		outcome = "settled"
		if h.Dispatcher != nil {
			event := notify.Event{
				OrderID:   n.OrderID,
				PaymentID: n.PaymentID,
				Amount:    n.Amount,
				Status:    n.Status,
				Email:     h.intentEmail(ctx, n.OrderID),
			}
			if err := h.Dispatcher.Dispatch(ctx, event); err != nil {
				// the outcome is recorded; delivery has its own retries
				h.Logger.Error().Err(err).Str("order_id", n.OrderID).Msg("fulfillment dispatch failed")
			} else if obs.FulfillmentDispatchTotal != nil {
				obs.FulfillmentDispatchTotal.WithLabelValues("dispatched").Inc()
			}
		}
		h.Logger.Info().
			Str("order_id", n.OrderID).
			Str("payment_id", n.PaymentID).
			Str("status", n.Status).
			Int64("amount", n.Amount).
			Msg("payment settled")
	} else {
		outcome = "declined"
		h.Logger.Info().
			Str("order_id", n.OrderID).
			Str("payment_id", n.PaymentID).
			Str("status", n.Status).
			Msg("payment closed without settlement")
	}
	h.ack(w)
}

func (h Webhook) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ackBody)
}

func (h Webhook) intentEmail(ctx context.Context, orderID string) string {
	intent, ok, err := h.Ledger.LookupIntent(ctx, orderID)
	if err != nil || !ok {
		if err != nil && !errors.Is(err, context.Canceled) {
			h.Logger.Debug().Err(err).Str("order_id", orderID).Msg("intent lookup failed")
		}
		return ""
	}
	return intent.Email
}
