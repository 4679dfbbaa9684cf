// Package payment wires the signing, initiation, verification and ledger
// pieces into the two storefront-facing operations.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vonychka/ekskyrsiadima/internal/ledger"
	"github.com/vonychka/ekskyrsiadima/internal/obs"
	"github.com/vonychka/ekskyrsiadima/internal/resilience"
	"github.com/vonychka/ekskyrsiadima/internal/tbank"
)

// Service coordinates payment initiation and status retrieval.
type Service struct {
	Client          *tbank.Client
	Ledger          ledger.Ledger
	Validate        *validator.Validate
	Breaker         *resilience.Breaker
	NotificationURL string
	SuccessURL      string
	FailURL         string
	ReceiptTaxation string
	ReceiptTax      string
	Logger          zerolog.Logger
}

// Initiate validates the intent, builds and signs the canonical request, and
// delivers it to the provider. The provider's synchronous answer is returned
// unchanged; nothing here retries on failure.
func (s *Service) Initiate(ctx context.Context, intent tbank.OrderIntent) (tbank.InitResult, error) {
	var zero tbank.InitResult
	if s == nil || s.Client == nil || s.Ledger == nil {
		return zero, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Initiate")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", intent.OrderID))

	result := "error"
	defer func() {
		if obs.PaymentInitTotal != nil {
			obs.PaymentInitTotal.WithLabelValues(result).Inc()
		}
		span.SetAttributes(attribute.String("payment.init.result", result))
	}()

	if s.Validate != nil {
		if err := s.Validate.Struct(intent); err != nil {
			result = "invalid"
			return zero, fmt.Errorf("%w: %v", tbank.ErrValidation, err)
		}
	}
	if intent.Receipt == nil && s.ReceiptTaxation != "" && (intent.Email != "" || intent.Phone != "") {
		intent.Receipt = s.buildReceipt(intent)
	}
	req, err := tbank.NewInitRequest(intent, s.Client.TerminalKey)
	if err != nil {
		result = "invalid"
		return zero, err
	}
	req.NotificationURL = s.NotificationURL
	req.SuccessURL = s.SuccessURL
	req.FailURL = s.FailURL

	res, err := s.Client.Init(ctx, req)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, tbank.ErrUpstreamTimeout):
			result = "timeout"
		case errors.Is(err, tbank.ErrUpstream):
			result = "upstream_error"
		default:
			result = "invalid"
		}
		return res, err
	}
	result = "success"

	if err := s.Ledger.RecordIntent(ctx, ledger.Intent{
		OrderID:    req.OrderID,
		PaymentID:  res.PaymentID.String(),
		Amount:     req.Amount,
		PaymentURL: res.PaymentURL,
		Email:      intent.Email,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		// the provider already holds the intent; losing the local record only
		// degrades status polling
		s.Logger.Error().Err(err).Str("order_id", req.OrderID).Msg("record payment intent")
	}
	s.Logger.Info().
		Str("order_id", req.OrderID).
		Str("payment_id", res.PaymentID.String()).
		Int64("amount", req.Amount).
		Msg("payment initiated")
	return res, nil
}

// Status resolves the best-known status for an order: the recorded terminal
// outcome first, then a provider GetState poll for known pending intents.
func (s *Service) Status(ctx context.Context, orderID string) (string, error) {
	if s == nil || s.Ledger == nil {
		return "", errors.New("payment service not configured")
	}
	entry, ok, err := s.Ledger.Lookup(ctx, orderID)
	if err != nil {
		return "", err
	}
	if ok {
		return entry.Status, nil
	}
	intent, ok, err := s.Ledger.LookupIntent(ctx, orderID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUnknownOrder
	}
	if s.Client != nil && intent.PaymentID != "" && s.allowPoll(ctx) {
		state, err := s.Client.GetState(ctx, intent.PaymentID)
		s.reportPoll(ctx, err == nil)
		if err == nil && state.Status != "" {
			return state.Status, nil
		}
	}
	return tbank.StatusNew, nil
}

// ErrUnknownOrder is returned by Status for orders never initiated here.
var ErrUnknownOrder = errors.New("payment: unknown order")

// allowPoll gates the best-effort provider poll behind the breaker so a
// degraded provider does not slow every status request down to the timeout.
func (s *Service) allowPoll(ctx context.Context) bool {
	if s.Breaker == nil {
		return true
	}
	return s.Breaker.Allow(ctx)
}

func (s *Service) reportPoll(ctx context.Context, success bool) {
	if s.Breaker != nil {
		s.Breaker.Report(ctx, success)
	}
}

func (s *Service) buildReceipt(intent tbank.OrderIntent) *tbank.Receipt {
	tax := s.ReceiptTax
	if tax == "" {
		tax = "none"
	}
	return &tbank.Receipt{
		Email:    intent.Email,
		Phone:    intent.Phone,
		Taxation: s.ReceiptTaxation,
		Items: []tbank.ReceiptItem{{
			Name:     intent.Description,
			Price:    intent.Amount,
			Quantity: 1,
			Amount:   intent.Amount,
			Tax:      tax,
		}},
	}
}
