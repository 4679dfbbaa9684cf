package payment

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vonychka/ekskyrsiadima/internal/ledger"
	"github.com/vonychka/ekskyrsiadima/internal/tbank"
)

// Full checkout round trip: initiation against a stub provider, the provider's
// settlement callback with a known-good token, a redelivery, and the status
// endpoint observing the recorded outcome.
func TestCheckoutRoundTrip(t *testing.T) {
	var initToken string
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v2/Init":
			payload := map[string]any{}
			dec := json.NewDecoder(r.Body)
			dec.UseNumber()
			_ = dec.Decode(&payload)
			initToken, _ = payload["Token"].(string)
			_, _ = w.Write([]byte(`{"Success":true,"ErrorCode":"0","Status":"NEW","PaymentId":700001,"PaymentURL":"https://pay.example/p/700001"}`))
		case "/v2/GetState":
			_, _ = w.Write([]byte(`{"Success":true,"ErrorCode":"0","Status":"FORM_SHOWED","PaymentId":700001,"OrderId":"A1"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer provider.Close()

	store := ledger.NewMemory()
	svc := &Service{
		Client: &tbank.Client{
			TerminalKey: "T",
			Password:    "S",
			BaseURL:     provider.URL,
		},
		Ledger:   store,
		Validate: validator.New(validator.WithRequiredStructEnabled()),
		Logger:   zerolog.Nop(),
	}
	dispatcher := &recordingDispatcher{}
	webhook := Webhook{
		TerminalKey: "T",
		Password:    "S",
		Ledger:      store,
		Dispatcher:  dispatcher,
		Logger:      zerolog.Nop(),
	}
	handler := &Handler{Svc: svc}

	router := chi.NewRouter()
	router.Post("/payment/init", handler.Init)
	router.Post("/payment/webhook", webhook.Handle)
	router.Get("/payment/status/{orderId}", handler.Status)

	// 1. storefront initiates the payment
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payment/init",
		strings.NewReader(`{"amount":150000,"orderId":"A1","description":"City tour","email":"c@example.com"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var initBody map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &initBody))
	require.Equal(t, "https://pay.example/p/700001", initBody["paymentUrl"])
	require.Equal(t,
		"d50b6236a26cbf0809539d3919b9d81f268cd21aedbd536c15776af4d76f986d",
		initToken,
	)

	// 2. status is still pending: resolved by polling the provider
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payment/status/A1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var pendingBody map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pendingBody))
	require.Equal(t, tbank.StatusFormShowed, pendingBody["status"])

	// 3. provider delivers the settlement callback
	callback := `{"TerminalKey":"T","OrderId":"A1","PaymentId":"P1","Amount":150000,"Status":"CONFIRMED","Success":true,` +
		`"Token":"7e40210e1531429d57db3dd7c98ae008ed2f841b3dc10a8a5f3ddce5527f3862"}`
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payment/webhook", strings.NewReader(callback)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
	require.Equal(t, 1, dispatcher.count())
	require.Equal(t, "c@example.com", dispatcher.events[0].Email)

	// 4. the provider retries; the duplicate is acknowledged without a second dispatch
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payment/webhook", strings.NewReader(callback)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
	require.Equal(t, 1, dispatcher.count())

	// 5. the storefront observes the settled status
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payment/status/A1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var statusBody map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statusBody))
	require.Equal(t, tbank.StatusConfirmed, statusBody["status"])
}
