package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryRecordIfNew(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	first, err := mem.RecordIfNew(ctx, Entry{OrderID: "A1", PaymentID: "P1", Status: "CONFIRMED"})
	require.NoError(t, err)
	require.True(t, first)

	again, err := mem.RecordIfNew(ctx, Entry{OrderID: "A1", PaymentID: "P1", Status: "CONFIRMED"})
	require.NoError(t, err)
	require.False(t, again)

	entry, ok, err := mem.Lookup(ctx, "A1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "P1", entry.PaymentID)
	require.Equal(t, "CONFIRMED", entry.Status)
	require.False(t, entry.ProcessedAt.IsZero())
}

func TestMemoryFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	first, err := mem.RecordIfNew(ctx, Entry{OrderID: "A1", PaymentID: "P1", Status: "CONFIRMED"})
	require.NoError(t, err)
	require.True(t, first)

	// a conflicting redelivery never overwrites the recorded outcome
	_, err = mem.RecordIfNew(ctx, Entry{OrderID: "A1", PaymentID: "P2", Status: "REJECTED"})
	require.NoError(t, err)

	entry, ok, err := mem.Lookup(ctx, "A1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "CONFIRMED", entry.Status)
	require.Equal(t, "P1", entry.PaymentID)
}

func TestMemoryLookupMissing(t *testing.T) {
	mem := NewMemory()
	_, ok, err := mem.Lookup(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryConcurrentRecordExactlyOnce(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	const workers = 16
	var wg sync.WaitGroup
	var firstCount atomic.Int64
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			first, err := mem.RecordIfNew(ctx, Entry{
				OrderID:     "A1",
				PaymentID:   "P1",
				Status:      "CONFIRMED",
				ProcessedAt: time.Now().UTC(),
			})
			require.NoError(t, err)
			if first {
				firstCount.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int64(1), firstCount.Load())
}

func TestMemoryIntentUpsert(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	require.NoError(t, mem.RecordIntent(ctx, Intent{OrderID: "A1", PaymentID: "P1", Amount: 100}))
	require.NoError(t, mem.RecordIntent(ctx, Intent{OrderID: "A1", PaymentID: "P2", Amount: 100, Email: "c@example.com"}))

	intent, ok, err := mem.LookupIntent(ctx, "A1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "P2", intent.PaymentID)
	require.Equal(t, "c@example.com", intent.Email)
	require.False(t, intent.CreatedAt.IsZero())
}
