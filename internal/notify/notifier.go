package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/vonychka/ekskyrsiadima/internal/obs"
)

// TaskPaymentSettled is the asynq task type for settled-payment fulfillment.
const TaskPaymentSettled = "notify:payment_settled"

// Event describes a settled payment handed to the notification pipeline.
type Event struct {
	ID        string `json:"id,omitempty"`
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Email     string `json:"email,omitempty"`
}

// Notifier delivers a fulfillment notification over one channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Dispatcher enqueues fulfillment events for background delivery. When no
// task client is configured it falls back to inline delivery through the
// configured notifiers.
type Dispatcher struct {
	Client    *asynq.Client
	Queue     string
	MaxRetry  int
	Notifiers []Notifier
	Logger    zerolog.Logger
}

// Dispatch hands the event to the queue, deduplicated per order. A redelivery
// of the same order is silently dropped by the task ID conflict.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if d.Client == nil {
		return d.deliver(ctx, event)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	opts := []asynq.Option{
		asynq.TaskID(TaskPaymentSettled + ":" + event.OrderID),
	}
	if d.Queue != "" {
		opts = append(opts, asynq.Queue(d.Queue))
	}
	if d.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(d.MaxRetry))
	}
	task := asynq.NewTask(TaskPaymentSettled, payload)
	if _, err := d.Client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			d.Logger.Debug().Str("order_id", event.OrderID).Msg("fulfillment already enqueued")
			return nil
		}
		return fmt.Errorf("enqueue fulfillment: %w", err)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) error {
	var firstErr error
	for _, n := range d.Notifiers {
		if err := n.Notify(ctx, event); err != nil {
			d.Logger.Error().Err(err).Str("order_id", event.OrderID).Msg("inline notification failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NewMux builds the asynq handler mux for the worker process.
func NewMux(notifiers []Notifier, logger zerolog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskPaymentSettled, func(ctx context.Context, task *asynq.Task) error {
		var event Event
		if err := json.Unmarshal(task.Payload(), &event); err != nil {
			// a payload that never decodes will never decode on retry
			return fmt.Errorf("decode event: %w: %w", err, asynq.SkipRetry)
		}
		var firstErr error
		for _, n := range notifiers {
			channel := channelName(n)
			if err := n.Notify(ctx, event); err != nil {
				logger.Error().Err(err).
					Str("order_id", event.OrderID).
					Str("channel", channel).
					Msg("notification delivery failed")
				if obs.NotifyDeliveryTotal != nil {
					obs.NotifyDeliveryTotal.WithLabelValues(channel, "error").Inc()
				}
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if obs.NotifyDeliveryTotal != nil {
				obs.NotifyDeliveryTotal.WithLabelValues(channel, "success").Inc()
			}
		}
		return firstErr
	})
	return mux
}

func channelName(n Notifier) string {
	switch n.(type) {
	case EmailNotifier, *EmailNotifier:
		return "email"
	case *TelegramNotifier:
		return "telegram"
	default:
		return "unknown"
	}
}
