package payment

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vonychka/ekskyrsiadima/internal/common"
	"github.com/vonychka/ekskyrsiadima/internal/tbank"
)

// Handler exposes the payment initiation and status endpoints.
type Handler struct {
	Svc *Service
}

type initReq struct {
	Amount      json.Number `json:"amount"`
	OrderID     string      `json:"orderId"`
	Description string      `json:"description"`
	Email       string      `json:"email"`
	Phone       string      `json:"phone"`
	CustomerKey string      `json:"customerKey"`
}

type initResp struct {
	Success    bool   `json:"success"`
	PaymentURL string `json:"paymentUrl,omitempty"`
	PaymentID  string `json:"paymentId,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Init handles POST /payment/init.
func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req initReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInitError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeInitError(w, http.StatusBadRequest, "VALIDATION_ERROR", "amount must be a positive number of minor units")
		return
	}
	intent := tbank.OrderIntent{
		OrderID:     strings.TrimSpace(req.OrderID),
		Amount:      amount,
		Description: strings.TrimSpace(req.Description),
		CustomerKey: strings.TrimSpace(req.CustomerKey),
		Email:       strings.TrimSpace(req.Email),
		Phone:       strings.TrimSpace(req.Phone),
	}
	result, err := h.Svc.Initiate(r.Context(), intent)
	if err != nil {
		switch {
		case errors.Is(err, tbank.ErrValidation):
			writeInitError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		case errors.Is(err, tbank.ErrUpstreamTimeout):
			writeInitError(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "payment provider did not respond in time")
		case errors.Is(err, tbank.ErrUpstream):
			code := result.ErrorCode
			if code == "" || code == tbank.SuccessErrorCode {
				code = "UPSTREAM_ERROR"
			}
			message := result.Message
			if message == "" {
				message = "payment provider rejected the request"
			}
			common.JSON(w, http.StatusBadGateway, initResp{Success: false, ErrorCode: code, Message: message})
		default:
			writeInitError(w, http.StatusInternalServerError, "INTERNAL", "payment initiation failed")
		}
		return
	}
	common.JSON(w, http.StatusOK, initResp{
		Success:    true,
		PaymentURL: result.PaymentURL,
		PaymentID:  result.PaymentID.String(),
	})
}

// Status handles GET /payment/status/{orderId}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "orderId is required", nil)
		return
	}
	status, err := h.Svc.Status(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, ErrUnknownOrder) {
			common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "STATUS_ERROR", "unable to resolve status", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"orderId": orderID, "status": status})
}

// parseAmount accepts integer minor units; fractional input is rounded, not
// truncated.
func parseAmount(raw json.Number) (int64, bool) {
	value := strings.TrimSpace(raw.String())
	if value == "" {
		return 0, false
	}
	if v, err := raw.Int64(); err == nil {
		return v, v > 0
	}
	f, err := raw.Float64()
	if err != nil {
		return 0, false
	}
	rounded := int64(math.Round(f))
	return rounded, rounded > 0
}

func writeInitError(w http.ResponseWriter, status int, code, message string) {
	common.JSON(w, status, initResp{Success: false, ErrorCode: code, Message: message})
}
