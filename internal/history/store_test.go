package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestStore_RecordAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordOutcome(ctx, Record{
		SessionID:   "a",
		StreamPort:  5000,
		BusPort:     "usb:001,004",
		DisplayName: "EOS 80D",
		Outcome:     "retry_budget_exhausted",
		Attempts:    3,
		Error:       "retry budget exhausted",
		Diagnostics: "--- capture ---\n*** Error\n",
		StartedAt:   started,
		FinishedAt:  started.Add(30 * time.Second),
	}))

	r, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5000, r.StreamPort)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, "retry_budget_exhausted", r.Outcome)
	assert.True(t, started.Equal(r.StartedAt))
	assert.Contains(t, r.Diagnostics, "*** Error")
	assert.Nil(t, r.EndedAt)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_MarkEnded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordOutcome(ctx, Record{SessionID: "a", StreamPort: 5000, Outcome: "success", Attempts: 1, DevicePath: "/dev/video10"}))

	at := time.Now().UTC()
	require.NoError(t, s.MarkEnded(ctx, "a", at))
	r, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, r.EndedAt)
	assert.True(t, at.Equal(*r.EndedAt))

	assert.True(t, errors.Is(s.MarkEnded(ctx, "a", at), ErrNotFound), "終了済みは更新しない")
	assert.True(t, errors.Is(s.MarkEnded(ctx, "missing", at), ErrNotFound))
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		require.NoError(t, s.RecordOutcome(ctx, Record{
			SessionID:  id,
			StreamPort: 5000 + i,
			Outcome:    "success",
			Attempts:   1,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "third", records[0].SessionID, "新しい順")
	assert.Equal(t, "second", records[1].SessionID)
}

func TestApplyMigrationsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, ApplyMigrations(context.Background(), s.db))
}
