package tbank

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxDescriptionLen is the provider's limit for the Description field. Longer
// descriptions are clipped before signing so the signed value and the
// transmitted value never diverge.
const MaxDescriptionLen = 250

// Payment statuses reported by the provider.
const (
	StatusNew             = "NEW"
	StatusFormShowed      = "FORM_SHOWED"
	StatusAuthorized      = "AUTHORIZED"
	StatusConfirmed       = "CONFIRMED"
	StatusRejected        = "REJECTED"
	StatusCanceled        = "CANCELED"
	StatusRefunded        = "REFUNDED"
	StatusDeadlineExpired = "DEADLINE_EXPIRED"
)

// IsTerminal reports whether no further status transition is expected.
func IsTerminal(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case StatusAuthorized, StatusConfirmed, StatusRejected, StatusCanceled, StatusRefunded, StatusDeadlineExpired:
		return true
	default:
		return false
	}
}

// IsSettled reports whether the status means the payment went through and
// fulfillment may be triggered.
func IsSettled(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case StatusAuthorized, StatusConfirmed:
		return true
	default:
		return false
	}
}

// ErrValidation marks merchant-side input problems detected before any
// network call.
var ErrValidation = errors.New("tbank: invalid order intent")

// OrderIntent is the merchant-side view of a checkout attempt. Immutable once
// turned into a signed request.
type OrderIntent struct {
	OrderID     string `validate:"required,max=64"`
	Amount      int64  `validate:"required,gt=0"`
	Description string `validate:"required"`
	CustomerKey string `validate:"omitempty,max=64"`
	Email       string `validate:"omitempty,email"`
	Phone       string `validate:"omitempty,max=32"`
	Receipt     *Receipt
}

// Receipt is the structured fiscal receipt attached to an init request. Its
// canonical JSON serialization participates in the token computation.
type Receipt struct {
	Email    string        `json:"Email,omitempty"`
	Phone    string        `json:"Phone,omitempty"`
	Taxation string        `json:"Taxation"`
	Items    []ReceiptItem `json:"Items"`
}

// ReceiptItem is a single receipt line.
type ReceiptItem struct {
	Name     string `json:"Name"`
	Price    int64  `json:"Price"`
	Quantity int64  `json:"Quantity"`
	Amount   int64  `json:"Amount"`
	Tax      string `json:"Tax"`
}

// canonicalJSON serialises the receipt deterministically. Struct field order
// is fixed, so repeated builds of the same intent produce identical bytes.
func (r *Receipt) canonicalJSON() (string, error) {
	if r == nil {
		return "", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("tbank: serialise receipt: %w", err)
	}
	return string(b), nil
}

// InitRequest is the canonical payment-initiation request. Field names match
// the provider contract; the token is derived from them and never stored
// separately.
type InitRequest struct {
	TerminalKey     string
	Amount          int64
	OrderID         string
	Description     string
	CustomerKey     string
	NotificationURL string
	SuccessURL      string
	FailURL         string
	Receipt         *Receipt
}

// NewInitRequest builds the canonical request for an intent. Descriptions are
// clipped to MaxDescriptionLen and CustomerKey defaults to the order id.
func NewInitRequest(intent OrderIntent, terminalKey string) (InitRequest, error) {
	orderID := strings.TrimSpace(intent.OrderID)
	description := strings.TrimSpace(intent.Description)
	switch {
	case orderID == "":
		return InitRequest{}, fmt.Errorf("%w: order id is required", ErrValidation)
	case intent.Amount <= 0:
		return InitRequest{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	case description == "":
		return InitRequest{}, fmt.Errorf("%w: description is required", ErrValidation)
	case strings.TrimSpace(terminalKey) == "":
		return InitRequest{}, fmt.Errorf("%w: terminal key is not configured", ErrValidation)
	}
	if len(description) > MaxDescriptionLen {
		description = clipDescription(description)
	}
	customerKey := strings.TrimSpace(intent.CustomerKey)
	if customerKey == "" {
		customerKey = orderID
	}
	return InitRequest{
		TerminalKey: strings.TrimSpace(terminalKey),
		Amount:      intent.Amount,
		OrderID:     orderID,
		Description: description,
		CustomerKey: customerKey,
		Receipt:     intent.Receipt,
	}, nil
}

// clipDescription cuts the description to MaxDescriptionLen bytes on a rune
// boundary. A byte-level cut could leave a truncated UTF-8 sequence that
// json.Marshal rewrites to U+FFFD, making the transmitted value diverge from
// the signed one.
func clipDescription(description string) string {
	cut := MaxDescriptionLen
	for cut > 0 && !utf8.RuneStart(description[cut]) {
		cut--
	}
	return description[:cut]
}

// SignedFields returns the covered field set for token computation: every
// top-level field, with the receipt represented by its canonical JSON form.
// Empty optional fields are omitted so signing matches transmission exactly.
func (r InitRequest) SignedFields() (map[string]string, error) {
	fields := map[string]string{
		"TerminalKey": r.TerminalKey,
		"Amount":      formatInt(r.Amount),
		"OrderId":     r.OrderID,
		"Description": r.Description,
	}
	if r.CustomerKey != "" {
		fields["CustomerKey"] = r.CustomerKey
	}
	if r.NotificationURL != "" {
		fields["NotificationURL"] = r.NotificationURL
	}
	if r.SuccessURL != "" {
		fields["SuccessURL"] = r.SuccessURL
	}
	if r.FailURL != "" {
		fields["FailURL"] = r.FailURL
	}
	if r.Receipt != nil {
		receipt, err := r.Receipt.canonicalJSON()
		if err != nil {
			return nil, err
		}
		fields["Receipt"] = receipt
	}
	return fields, nil
}

// initPayload is the wire shape sent to the provider. The receipt travels as
// a nested object; the token covers its canonical serialization.
type initPayload struct {
	TerminalKey     string   `json:"TerminalKey"`
	Amount          int64    `json:"Amount"`
	OrderID         string   `json:"OrderId"`
	Description     string   `json:"Description"`
	CustomerKey     string   `json:"CustomerKey,omitempty"`
	NotificationURL string   `json:"NotificationURL,omitempty"`
	SuccessURL      string   `json:"SuccessURL,omitempty"`
	FailURL         string   `json:"FailURL,omitempty"`
	Receipt         *Receipt `json:"Receipt,omitempty"`
	Token           string   `json:"Token"`
}
