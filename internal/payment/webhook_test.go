package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vonychka/ekskyrsiadima/internal/ledger"
	"github.com/vonychka/ekskyrsiadima/internal/notify"
	"github.com/vonychka/ekskyrsiadima/internal/tbank"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event notify.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type failingLedger struct {
	*ledger.Memory
}

func (failingLedger) RecordIfNew(context.Context, ledger.Entry) (bool, error) {
	return false, errors.New("connection refused")
}

func webhookBody(t *testing.T, password, status string, mutate func(map[string]any)) []byte {
	t.Helper()
	raw := map[string]any{
		"TerminalKey": "T",
		"OrderId":     "A1",
		"PaymentId":   "P1",
		"Amount":      json.Number("150000"),
		"Status":      status,
		"Success":     tbank.IsSettled(status),
	}
	fields := map[string]string{}
	for k, v := range raw {
		switch vv := v.(type) {
		case string:
			fields[k] = vv
		case bool:
			fields[k] = fmt.Sprintf("%t", vv)
		case json.Number:
			fields[k] = vv.String()
		}
	}
	raw["Token"] = tbank.Token(fields, password)
	if mutate != nil {
		mutate(raw)
	}
	body, err := json.Marshal(raw)
	require.NoError(t, err)
	return body
}

func newWebhook(store ledger.Ledger, dispatcher EventDispatcher) Webhook {
	return Webhook{
		TerminalKey: "T",
		Password:    "S",
		Ledger:      store,
		Dispatcher:  dispatcher,
		Logger:      zerolog.Nop(),
	}
}

func deliver(h Webhook, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payment/webhook", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestWebhookConfirmedDispatchesOnce(t *testing.T) {
	store := ledger.NewMemory()
	require.NoError(t, store.RecordIntent(context.Background(), ledger.Intent{
		OrderID: "A1", PaymentID: "P1", Amount: 150000, Email: "c@example.com",
	}))
	dispatcher := &recordingDispatcher{}
	h := newWebhook(store, dispatcher)

	rec := deliver(h, webhookBody(t, "S", tbank.StatusConfirmed, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
	require.Equal(t, 1, dispatcher.count())
	require.Equal(t, "c@example.com", dispatcher.events[0].Email)
	require.Equal(t, int64(150000), dispatcher.events[0].Amount)

	entry, ok, err := store.Lookup(context.Background(), "A1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tbank.StatusConfirmed, entry.Status)
}

func TestWebhookRedeliveryAckedWithoutRedispatch(t *testing.T) {
	store := ledger.NewMemory()
	dispatcher := &recordingDispatcher{}
	h := newWebhook(store, dispatcher)

	body := webhookBody(t, "S", tbank.StatusConfirmed, nil)
	first := deliver(h, body)
	require.Equal(t, http.StatusOK, first.Code)

	second := deliver(h, body)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "OK", second.Body.String())
	require.Equal(t, 1, dispatcher.count())
}

func TestWebhookRejectedRecordedWithoutDispatch(t *testing.T) {
	store := ledger.NewMemory()
	dispatcher := &recordingDispatcher{}
	h := newWebhook(store, dispatcher)

	rec := deliver(h, webhookBody(t, "S", tbank.StatusRejected, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
	require.Zero(t, dispatcher.count())

	entry, ok, err := store.Lookup(context.Background(), "A1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tbank.StatusRejected, entry.Status)
}

func TestWebhookPendingAckedNotRecorded(t *testing.T) {
	store := ledger.NewMemory()
	dispatcher := &recordingDispatcher{}
	h := newWebhook(store, dispatcher)

	rec := deliver(h, webhookBody(t, "S", tbank.StatusFormShowed, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
	require.Zero(t, dispatcher.count())

	_, ok, err := store.Lookup(context.Background(), "A1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWebhookBadSignature(t *testing.T) {
	store := ledger.NewMemory()
	dispatcher := &recordingDispatcher{}
	h := newWebhook(store, dispatcher)

	rec := deliver(h, webhookBody(t, "wrong-password", tbank.StatusConfirmed, nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, dispatcher.count())

	_, ok, err := store.Lookup(context.Background(), "A1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWebhookTamperedAmount(t *testing.T) {
	h := newWebhook(ledger.NewMemory(), &recordingDispatcher{})
	rec := deliver(h, webhookBody(t, "S", tbank.StatusConfirmed, func(raw map[string]any) {
		raw["Amount"] = json.Number("1")
	}))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookMissingToken(t *testing.T) {
	h := newWebhook(ledger.NewMemory(), &recordingDispatcher{})
	rec := deliver(h, webhookBody(t, "S", tbank.StatusConfirmed, func(raw map[string]any) {
		delete(raw, "Token")
	}))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookMalformed(t *testing.T) {
	h := newWebhook(ledger.NewMemory(), &recordingDispatcher{})

	rec := deliver(h, []byte(`{"OrderId":`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = deliver(h, []byte(`{"OrderId":"A1","Status":"CONFIRMED","Amount":100,"Token":"t"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookTerminalKeyMismatch(t *testing.T) {
	h := newWebhook(ledger.NewMemory(), &recordingDispatcher{})
	rec := deliver(h, webhookBody(t, "S", tbank.StatusConfirmed, func(raw map[string]any) {
		raw["TerminalKey"] = "other"
	}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookLedgerFailureNotAcked(t *testing.T) {
	h := newWebhook(failingLedger{ledger.NewMemory()}, &recordingDispatcher{})
	rec := deliver(h, webhookBody(t, "S", tbank.StatusConfirmed, nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotEqual(t, "OK", rec.Body.String())
}

func TestWebhookDispatchFailureStillAcked(t *testing.T) {
	store := ledger.NewMemory()
	dispatcher := &recordingDispatcher{err: errors.New("queue unavailable")}
	h := newWebhook(store, dispatcher)

	rec := deliver(h, webhookBody(t, "S", tbank.StatusConfirmed, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())

	// the outcome is recorded even though notification delivery failed
	_, ok, err := store.Lookup(context.Background(), "A1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWebhookConcurrentDeliveriesDispatchOnce(t *testing.T) {
	store := ledger.NewMemory()
	dispatcher := &recordingDispatcher{}
	h := newWebhook(store, dispatcher)
	body := webhookBody(t, "S", tbank.StatusConfirmed, nil)

	const workers = 12
	var wg sync.WaitGroup
	var acks atomic.Int64
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			rec := deliver(h, body)
			if rec.Code == http.StatusOK {
				acks.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int64(workers), acks.Load())
	require.Equal(t, 1, dispatcher.count())
}

func TestWebhookReplayFastPath(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := ledger.NewMemory()
	dispatcher := &recordingDispatcher{}
	h := newWebhook(store, dispatcher)
	h.Replay = client
	h.ReplayTTL = time.Hour

	body := webhookBody(t, "S", tbank.StatusConfirmed, nil)
	first := deliver(h, body)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, 1, dispatcher.count())

	second := deliver(h, body)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "OK", second.Body.String())
	require.Equal(t, 1, dispatcher.count())
}

func TestWebhookReplayGuardFallsThroughWhenUnrecorded(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := ledger.NewMemory()
	dispatcher := &recordingDispatcher{}
	h := newWebhook(failingLedger{store}, dispatcher)
	h.Replay = client
	h.ReplayTTL = time.Hour

	body := webhookBody(t, "S", tbank.StatusConfirmed, nil)

	// first delivery claims the replay key but the ledger write fails
	rec := deliver(h, body)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// redelivery must not short-circuit on the replay key alone
	h.Ledger = store
	rec = deliver(h, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, dispatcher.count())
}
