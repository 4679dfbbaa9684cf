package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/vonychka/ekskyrsiadima/internal/common"
)

// EmailNotifier sends a booking confirmation to the customer address captured
// at initiation time. Events without an address are skipped silently.
type EmailNotifier struct {
	Mail    common.EmailSender
	Enabled bool
}

// Notify implements Notifier.
func (n EmailNotifier) Notify(_ context.Context, event Event) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	to := strings.TrimSpace(event.Email)
	if to == "" {
		return nil
	}
	subject := fmt.Sprintf("Booking %s: payment received", event.OrderID)
	body := fmt.Sprintf(
		"<p>Your payment for booking <b>%s</b> has been received.</p><p>Amount: %d.%02d RUB<br>Payment reference: %s</p>",
		event.OrderID, event.Amount/100, event.Amount%100, event.PaymentID,
	)
	return n.Mail.Send(to, subject, body)
}
