package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Ledger on a pgx pool. The first-time check relies on
// the primary key over order_id: the insert either lands or reports zero
// affected rows, so concurrent deliveries cannot both observe "new".
type Postgres struct {
	Pool *pgxpool.Pool
}

// RecordIfNew implements Ledger via a unique-constraint insert.
func (p Postgres) RecordIfNew(ctx context.Context, entry Entry) (bool, error) {
	if p.Pool == nil {
		return false, errors.New("ledger: pool not configured")
	}
	processedAt := entry.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	tag, err := p.Pool.Exec(ctx, `
		INSERT INTO payment_ledger (order_id, payment_id, status, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING`,
		entry.OrderID, entry.PaymentID, entry.Status, processedAt,
	)
	if err != nil {
		return false, fmt.Errorf("ledger: record entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Lookup implements Ledger.
func (p Postgres) Lookup(ctx context.Context, orderID string) (Entry, bool, error) {
	var entry Entry
	if p.Pool == nil {
		return entry, false, errors.New("ledger: pool not configured")
	}
	err := p.Pool.QueryRow(ctx, `
		SELECT order_id, payment_id, status, processed_at
		FROM payment_ledger
		WHERE order_id = $1`,
		orderID,
	).Scan(&entry.OrderID, &entry.PaymentID, &entry.Status, &entry.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: lookup entry: %w", err)
	}
	return entry, true, nil
}

// RecordIntent implements Ledger.
func (p Postgres) RecordIntent(ctx context.Context, intent Intent) error {
	if p.Pool == nil {
		return errors.New("ledger: pool not configured")
	}
	createdAt := intent.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO payment_intents (order_id, payment_id, amount, payment_url, email, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO UPDATE SET
			payment_id = EXCLUDED.payment_id,
			amount = EXCLUDED.amount,
			payment_url = EXCLUDED.payment_url,
			email = EXCLUDED.email,
			created_at = EXCLUDED.created_at`,
		intent.OrderID, intent.PaymentID, intent.Amount, intent.PaymentURL, intent.Email, createdAt,
	)
	if err != nil {
		return fmt.Errorf("ledger: record intent: %w", err)
	}
	return nil
}

// LookupIntent implements Ledger.
func (p Postgres) LookupIntent(ctx context.Context, orderID string) (Intent, bool, error) {
	var intent Intent
	if p.Pool == nil {
		return intent, false, errors.New("ledger: pool not configured")
	}
	err := p.Pool.QueryRow(ctx, `
		SELECT order_id, payment_id, amount, payment_url, email, created_at
		FROM payment_intents
		WHERE order_id = $1`,
		orderID,
	).Scan(&intent.OrderID, &intent.PaymentID, &intent.Amount, &intent.PaymentURL, &intent.Email, &intent.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Intent{}, false, nil
	}
	if err != nil {
		return Intent{}, false, fmt.Errorf("ledger: lookup intent: %w", err)
	}
	return intent, true, nil
}
