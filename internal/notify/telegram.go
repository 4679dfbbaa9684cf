package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts settled payments to an operations chat so staff can
// confirm bookings manually if fulfillment lags.
type TelegramNotifier struct {
	Bot    messageSender
	ChatID int64
}

// NewTelegramNotifier builds a notifier from a bot token.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramNotifier{Bot: bot, ChatID: chatID}, nil
}

// Notify implements Notifier.
func (n *TelegramNotifier) Notify(_ context.Context, event Event) error {
	if n == nil || n.Bot == nil || n.ChatID == 0 {
		return nil
	}
	text := fmt.Sprintf(
		"Payment received\nOrder: %s\nAmount: %d.%02d RUB\nStatus: %s\nPayment: %s",
		event.OrderID, event.Amount/100, event.Amount%100, event.Status, event.PaymentID,
	)
	msg := tgbotapi.NewMessage(n.ChatID, text)
	_, err := n.Bot.Send(msg)
	return err
}
