package budget_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ya-xyz/aesp-sub001/pkg/budget"
)

func TestMemoryStore_GetMissing(t *testing.T) {
	s := budget.NewMemoryStore()
	tr, err := s.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestMemoryStore_UpdateFreshTracker(t *testing.T) {
	s := budget.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	out, err := s.Update(ctx, "agent-1", func(tr *budget.Tracker) error {
		assert.True(t, tr.IsNew())
		assert.Equal(t, "agent-1", tr.AgentID)
		tr.ApplyResets(now)
		tr.Touch(now)
		_, err := tr.Spend(budget.Transaction{Amount: 40, At: now})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), out.DailySpent)

	got, err := s.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, got.IsNew())
	assert.Equal(t, int64(40), got.DailySpent)

	// Mutating the returned copy does not leak into the store.
	got.DailySpent = 0
	again, err := s.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), again.DailySpent)
}

func TestMemoryStore_UpdateErrorDiscards(t *testing.T) {
	s := budget.NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.Update(ctx, "agent-1", func(tr *budget.Tracker) error {
		tr.DailySpent = 500
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// Concurrent check-then-spend against a cap must never overspend.
func TestMemoryStore_SerializesCapChecks(t *testing.T) {
	s := budget.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	const limit = 100

	var wg sync.WaitGroup
	var mu sync.Mutex
	approved := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "agent-1", func(tr *budget.Tracker) error {
				tr.ApplyResets(now)
				if tr.DailySpent+10 > limit {
					return nil
				}
				if _, err := tr.Spend(budget.Transaction{Amount: 10, At: now}); err != nil {
					return err
				}
				mu.Lock()
				approved++
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(limit), got.DailySpent)
	assert.Equal(t, 10, approved)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := budget.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Update(ctx, "agent-1", func(tr *budget.Tracker) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
