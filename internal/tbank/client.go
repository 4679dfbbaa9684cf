package tbank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Upstream error classes. A timeout is distinct from a provider-returned
// business error so callers can decide whether a fresh attempt makes sense.
var (
	ErrUpstreamTimeout = errors.New("tbank: provider call timed out")
	ErrUpstream        = errors.New("tbank: provider error")
)

// SuccessErrorCode is the provider's ErrorCode value for a successful call.
const SuccessErrorCode = "0"

// Client talks to the provider's HTTPS API. Init calls are never retried:
// resending the same signed payload can open a duplicate payment intent.
type Client struct {
	TerminalKey string
	Password    string
	BaseURL     string
	HTTP        *http.Client
	Timeout     time.Duration
}

// InitResult is the provider's synchronous answer to an Init call, proxied to
// the storefront client unchanged.
type InitResult struct {
	Success    bool        `json:"Success"`
	ErrorCode  string      `json:"ErrorCode"`
	Status     string      `json:"Status"`
	PaymentID  json.Number `json:"PaymentId"`
	PaymentURL string      `json:"PaymentURL"`
	Message    string      `json:"Message"`
	Details    string      `json:"Details"`
}

// StateResult is the provider's answer to a GetState call.
type StateResult struct {
	Success   bool        `json:"Success"`
	ErrorCode string      `json:"ErrorCode"`
	Status    string      `json:"Status"`
	PaymentID json.Number `json:"PaymentId"`
	OrderID   string      `json:"OrderId"`
	Message   string      `json:"Message"`
}

// Init signs and delivers the canonical request. On a provider business error
// the raw error fields are returned alongside ErrUpstream so the caller can
// surface them verbatim.
func (c *Client) Init(ctx context.Context, req InitRequest) (InitResult, error) {
	var zero InitResult
	fields, err := req.SignedFields()
	if err != nil {
		return zero, err
	}
	payload := initPayload{
		TerminalKey:     req.TerminalKey,
		Amount:          req.Amount,
		OrderID:         req.OrderID,
		Description:     req.Description,
		CustomerKey:     req.CustomerKey,
		NotificationURL: req.NotificationURL,
		SuccessURL:      req.SuccessURL,
		FailURL:         req.FailURL,
		Receipt:         req.Receipt,
		Token:           Token(fields, c.Password),
	}
	body, err := c.post(ctx, "/v2/Init", payload)
	if err != nil {
		return zero, err
	}
	var result InitResult
	if err := decodeProviderBody(body, &result); err != nil {
		return zero, err
	}
	if !result.Success || result.ErrorCode != SuccessErrorCode {
		return result, fmt.Errorf("%w: code=%s %s", ErrUpstream, result.ErrorCode, result.Message)
	}
	return result, nil
}

// GetState polls the provider for the current payment status.
func (c *Client) GetState(ctx context.Context, paymentID string) (StateResult, error) {
	var zero StateResult
	if strings.TrimSpace(paymentID) == "" {
		return zero, fmt.Errorf("%w: payment id is required", ErrValidation)
	}
	fields := map[string]string{
		"TerminalKey": c.TerminalKey,
		"PaymentId":   paymentID,
	}
	payload := map[string]string{
		"TerminalKey": c.TerminalKey,
		"PaymentId":   paymentID,
		"Token":       Token(fields, c.Password),
	}
	body, err := c.post(ctx, "/v2/GetState", payload)
	if err != nil {
		return zero, err
	}
	var result StateResult
	if err := decodeProviderBody(body, &result); err != nil {
		return zero, err
	}
	if !result.Success || result.ErrorCode != SuccessErrorCode {
		return result, fmt.Errorf("%w: code=%s %s", ErrUpstream, result.ErrorCode, result.Message)
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("tbank: encode request: %w", err)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/") + path
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("tbank: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			// caller went away; not an upstream timeout
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %s", ErrUpstreamTimeout, path)
		default:
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: http %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func decodeProviderBody(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	return nil
}
