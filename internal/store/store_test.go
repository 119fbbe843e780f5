package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func deposit(t *testing.T, hash string, value float64, ts time.Time) model.BridgeEvent {
	t.Helper()
	ev, err := model.NewBridgeEvent(model.BridgeDeposit, hash, "0x00000000000000000000000000000000000000aa", "", value, 1, ts)
	require.NoError(t, err)
	return ev
}

func TestCursor(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.CommitBlock(ctx, BlockWrite{Height: 10})
	require.NoError(t, err)
	_, err = s.CommitBlock(ctx, BlockWrite{Height: 5})
	require.NoError(t, err)

	cursor, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), cursor, "cursor never moves backwards")
}

func TestCommitBlock_DeduplicatesBridgeEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	write := BlockWrite{
		Height:     100,
		Activities: []model.ActivityEvent{{Address: "0xaaa", BlockHeight: 100, BlockTimestamp: ts}},
		Bridges:    []model.BridgeEvent{deposit(t, "0xTX100", 1.0, ts), deposit(t, "0xtx100", 1.0, ts)},
	}

	inserted, err := s.CommitBlock(ctx, write)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	inserted, err = s.CommitBlock(ctx, write)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted, "replay inserts no bridge events")

	events, err := s.BridgeEventsSince(ctx, ts.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 1)

	activities, err := s.ActivitiesBetween(ctx, ts, ts.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, activities, 2, "activity rows are written unconditionally")
}

func TestActivitiesBetween_HalfOpen(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.CommitBlock(ctx, BlockWrite{
		Height: 1,
		Activities: []model.ActivityEvent{
			{Address: "0x1", BlockTimestamp: day.Add(-time.Second)},
			{Address: "0x2", BlockTimestamp: day},
			{Address: "0x3", BlockTimestamp: day.Add(23 * time.Hour)},
			{Address: "0x4", BlockTimestamp: day.Add(24 * time.Hour)},
		},
	})
	require.NoError(t, err)

	events, err := s.ActivitiesBetween(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "0x2", events[0].Address)
	assert.Equal(t, "0x3", events[1].Address)

	empty, err := s.ActivitiesBetween(ctx, day, day)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPendingDepositsAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	withdrawal, err := model.NewBridgeEvent(model.BridgeWithdrawal, "0xw1", "0xaaa", "0xbridge", 2.0, 1, ts)
	require.NoError(t, err)

	_, err = s.CommitBlock(ctx, BlockWrite{
		Height:  1,
		Bridges: []model.BridgeEvent{deposit(t, "0xd1", 0, ts), deposit(t, "0xd2", 0.5, ts), withdrawal},
	})
	require.NoError(t, err)

	pending, err := s.PendingDeposits(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0xd1", pending[0].Event.TxHash)
	assert.NotEmpty(t, pending[0].Key)

	require.NoError(t, s.UpdateDepositAmount(ctx, "0xD1", 1.5))
	ev, err := s.BridgeEvent(ctx, "0xd1")
	require.NoError(t, err)
	assert.Equal(t, 1.5, ev.ValueEth)

	pending, err = s.PendingDeposits(ctx, "", "", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Error(t, s.UpdateDepositAmount(ctx, "0xw1", 1))
	assert.ErrorIs(t, s.UpdateDepositAmount(ctx, "0xmissing", 1), model.ErrNotFound)
}

func TestPendingDeposits_Bounds(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.CommitBlock(ctx, BlockWrite{
		Height: 1,
		Bridges: []model.BridgeEvent{
			deposit(t, "0xd1", 0, ts),
			deposit(t, "0xd2", 0, ts.Add(time.Minute)),
			deposit(t, "0xd3", 0, ts.Add(2*time.Minute)),
		},
	})
	require.NoError(t, err)

	all, err := s.PendingDeposits(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	after, err := s.PendingDeposits(ctx, all[0].Key, "", 0)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "0xd2", after[0].Event.TxHash)
	assert.Equal(t, "0xd3", after[1].Event.TxHash)

	until, err := s.PendingDeposits(ctx, "", all[1].Key, 0)
	require.NoError(t, err)
	require.Len(t, until, 2)
	assert.Equal(t, "0xd2", until[1].Event.TxHash, "the upper bound is inclusive")

	resume, err := s.DepositResume(ctx)
	require.NoError(t, err)
	assert.Empty(t, resume)

	require.NoError(t, s.SetDepositResume(ctx, all[1].Key))
	resume, err = s.DepositResume(ctx)
	require.NoError(t, err)
	assert.Equal(t, all[1].Key, resume)

	require.NoError(t, s.SetDepositResume(ctx, ""))
	resume, err = s.DepositResume(ctx)
	require.NoError(t, err)
	assert.Empty(t, resume)
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.LatestSnapshot(ctx, model.SnapshotTVL)
	assert.ErrorIs(t, err, model.ErrNotFound)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendSnapshot(ctx, model.KpiSnapshot{
			Kind:       model.SnapshotTVL,
			Value:      float64(i),
			ComputedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendSnapshot(ctx, model.KpiSnapshot{
		Kind:       model.SnapshotDailyTransactions,
		PeriodKey:  "2026-03-01",
		Value:      42,
		ComputedAt: base,
	}))

	latest, err := s.LatestSnapshots(ctx, model.SnapshotTVL, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 2.0, latest[0].Value)
	assert.Equal(t, 1.0, latest[1].Value)

	one, err := s.LatestSnapshot(ctx, model.SnapshotDailyTransactions)
	require.NoError(t, err)
	assert.Equal(t, 42.0, one.Value)

	since, err := s.SnapshotsSince(ctx, model.SnapshotTVL, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, 1.0, since[0].Value, "oldest first")
	assert.Equal(t, 2.0, since[1].Value)

	assert.Error(t, s.AppendSnapshot(ctx, model.KpiSnapshot{Kind: "bogus"}))
}

func TestRetryQueue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.CommitBlock(ctx, BlockWrite{
		Height:  7,
		Retries: []model.RetryItem{{TxHash: "0xA", BlockHeight: 7, Attempts: 1}, {TxHash: "0xb", BlockHeight: 7, Attempts: 1}},
	})
	require.NoError(t, err)

	items, err := s.RetryItems(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	require.NoError(t, s.PutRetry(ctx, model.RetryItem{TxHash: "0xa", BlockHeight: 7, Attempts: 2}))
	require.NoError(t, s.RemoveRetry(ctx, "0xB"))

	_, err = s.CommitBlock(ctx, BlockWrite{Height: 8, ResolvedRetries: []string{"0xa"}})
	require.NoError(t, err)

	items, err = s.RetryItems(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCompact(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	_, err := s.CommitBlock(ctx, BlockWrite{
		Height: 1,
		Activities: []model.ActivityEvent{
			{Address: "0xold", BlockTimestamp: now.Add(-60 * 24 * time.Hour)},
			{Address: "0xnew", BlockTimestamp: now.Add(-time.Hour)},
		},
	})
	require.NoError(t, err)

	removed, err := s.Compact(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	events, err := s.ActivitiesBetween(ctx, time.Unix(0, 0), now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "0xnew", events[0].Address)
}

func TestOpen_PersistsSequence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	activity := []model.ActivityEvent{{Address: "0xaaa", BlockTimestamp: ts}}

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.CommitBlock(ctx, BlockWrite{Height: 1, Activities: activity})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping())

	_, err = s.CommitBlock(ctx, BlockWrite{Height: 2, Activities: activity})
	require.NoError(t, err)

	events, err := s.ActivitiesBetween(ctx, ts, ts.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, events, 2, "reopened store does not overwrite earlier rows")
}
