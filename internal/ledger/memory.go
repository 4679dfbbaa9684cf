package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Ledger for tests and local runs. The mutex makes
// the check-and-insert atomic, mirroring the database constraint.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	intents map[string]Intent
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		entries: map[string]Entry{},
		intents: map[string]Intent{},
	}
}

// RecordIfNew implements Ledger.
func (m *Memory) RecordIfNew(_ context.Context, entry Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[entry.OrderID]; exists {
		return false, nil
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}
	m.entries[entry.OrderID] = entry
	return true, nil
}

// Lookup implements Ledger.
func (m *Memory) Lookup(_ context.Context, orderID string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[orderID]
	return entry, ok, nil
}

// RecordIntent implements Ledger.
func (m *Memory) RecordIntent(_ context.Context, intent Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}
	m.intents[intent.OrderID] = intent
	return nil
}

// LookupIntent implements Ledger.
func (m *Memory) LookupIntent(_ context.Context, orderID string) (Intent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[orderID]
	return intent, ok, nil
}
