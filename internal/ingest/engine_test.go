package ingest

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/bridge-kpi-indexer/internal/classify"
	"github.com/yourorg/bridge-kpi-indexer/internal/fetch"
	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/store"
)

const (
	addrA       = "0x00000000000000000000000000000000000000aa"
	addrB       = "0x00000000000000000000000000000000000000bb"
	bridgeEntry = "0x4200000000000000000000000000000000000016"
	depositType = 105
)

var errRPC = errors.New("rpc timeout")

func testOptions() Options {
	return Options{
		BackfillBlocks:   -1,
		FallbackWindow:   100,
		TxConcurrency:    4,
		RetryMaxAttempts: 3,
		BreakerFailures:  5,
	}
}

func newTestEngine(t *testing.T, chain *fakeChain, opts Options) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return newEngineOn(t, chain, st, opts), st
}

func newEngineOn(t *testing.T, chain *fakeChain, st *store.Store, opts Options) *Engine {
	t.Helper()
	c := classify.New(bridgeEntry, depositType, []string{fetch.ZeroAddress})
	e := NewEngine(chain, st, c, opts, nil)
	t.Cleanup(e.Close)
	return e
}

func cursorOf(t *testing.T, st *store.Store) uint64 {
	t.Helper()
	c, ok, err := st.Cursor(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return c
}

func TestRun_EmptyBlocksAdvanceCursor(t *testing.T) {
	chain := newFakeChain()
	chain.height = 5
	e, st := newTestEngine(t, chain, testOptions())

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), res.Start)
	assert.Equal(t, uint64(5), res.End)
	assert.Equal(t, 5, res.Blocks)
	assert.Zero(t, res.Activities)
	assert.Zero(t, res.Bridges)
	assert.Equal(t, uint64(5), cursorOf(t, st))

	res, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Blocks, "start > end is a no-op")
}

func TestRun_DepositScenario(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(100, &model.Transaction{Hash: "0xtx100", From: addrA, Type: depositType, Value: new(big.Int)})
	chain.transfers["0xtx100"] = []model.InternalTransfer{
		{From: fetch.ZeroAddress, To: addrA, Value: big.NewInt(1e18)},
	}

	opts := testOptions()
	opts.BackfillBlocks = 0
	e, st := newTestEngine(t, chain, opts)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Start, "fallback window larger than the chain starts at 1")
	assert.Equal(t, 1, res.Activities)
	assert.Equal(t, 1, res.Bridges)
	assert.InDelta(t, 1, float64(res.ApproxSenders), 1)

	ev, err := st.BridgeEvent(context.Background(), "0xtx100")
	require.NoError(t, err)
	assert.Equal(t, model.BridgeDeposit, ev.Kind)
	assert.InDelta(t, 1.0, ev.ValueEth, 1e-12)
	assert.Equal(t, uint64(100), ev.BlockHeight)

	acts, err := st.ActivitiesBetween(context.Background(), baseTime, baseTime.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, addrA, acts[0].Address)
}

func TestRun_FallbackWindow(t *testing.T) {
	chain := newFakeChain()
	chain.height = 250

	opts := testOptions()
	opts.BackfillBlocks = 0
	e, _ := newTestEngine(t, chain, opts)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(150), res.Start)
	assert.Equal(t, uint64(250), res.End)
}

func TestRun_ReplayDoesNotDuplicateBridgeEvents(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(1, transfer("0xw1", addrA, bridgeEntry, big.NewInt(2e18)))
	chain.addBlock(2, &model.Transaction{Hash: "0xd1", From: addrB, Type: depositType})
	chain.addBlock(3)

	e, st := newTestEngine(t, chain, testOptions())
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Bridges)

	opts := testOptions()
	opts.BackfillBlocks = 3
	replay := newEngineOn(t, chain, st, opts)
	res, err = replay.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Start)
	assert.Equal(t, 0, res.Bridges)
	assert.Equal(t, 2, res.Activities)

	events, err := st.BridgeEventsSince(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, uint64(3), cursorOf(t, st))
}

func TestRun_RevertedWithdrawalIsNotBridged(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(1,
		transfer("0xw1", addrA, bridgeEntry, big.NewInt(2e18)),
		transfer("0xw2", addrB, bridgeEntry, big.NewInt(1e18)),
	)
	chain.mu.Lock()
	chain.reverted["0xw1"] = true
	chain.mu.Unlock()

	e, st := newTestEngine(t, chain, testOptions())
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Bridges)
	assert.Equal(t, 2, res.Activities, "the sender of a reverted transaction is still active")

	_, err = st.BridgeEvent(context.Background(), "0xw1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	ev, err := st.BridgeEvent(context.Background(), "0xw2")
	require.NoError(t, err)
	assert.Equal(t, model.BridgeWithdrawal, ev.Kind)
}

func TestRun_FailedTransactionIsRetried(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(1, transfer("0xok", addrA, addrB, big.NewInt(1)), transfer("0xflaky", addrB, addrA, big.NewInt(1)))
	chain.setTxErr("0xflaky", errRPC)

	e, st := newTestEngine(t, chain, testOptions())
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.TxErrors)
	assert.Equal(t, 1, res.Activities)
	assert.Equal(t, uint64(1), cursorOf(t, st), "cursor advances past transaction failures")

	items, err := st.RetryItems(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)

	chain.setTxErr("0xflaky", nil)
	chain.addBlock(2)
	res, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Activities)

	items, err = st.RetryItems(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	acts, err := st.ActivitiesBetween(context.Background(), baseTime, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, acts, 2)
	for _, a := range acts {
		assert.Equal(t, uint64(1), a.BlockHeight, "retried events keep their block height")
	}
	assert.Equal(t, uint64(2), cursorOf(t, st))
}

func TestRun_RetryDropsAfterMaxAttempts(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(1, transfer("0xbad", addrA, addrB, big.NewInt(1)))
	chain.setTxErr("0xbad", errRPC)

	opts := testOptions()
	opts.RetryMaxAttempts = 2
	e, st := newTestEngine(t, chain, opts)

	_, err := e.Run(context.Background())
	require.NoError(t, err)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)

	items, err := st.RetryItems(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRun_BlockFailureIsSkipped(t *testing.T) {
	chain := newFakeChain()
	chain.height = 5
	chain.blockErrs[3] = errRPC

	e, st := newTestEngine(t, chain, testOptions())
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.BlockErrors)
	assert.Equal(t, 5, res.Blocks)
	assert.False(t, res.Aborted)
	assert.Equal(t, uint64(5), cursorOf(t, st))
}

func TestRun_CircuitBreakerStopsScan(t *testing.T) {
	chain := newFakeChain()
	chain.height = 10
	for h := uint64(1); h <= 10; h++ {
		chain.blockErrs[h] = errRPC
	}

	opts := testOptions()
	opts.BreakerFailures = 2
	e, st := newTestEngine(t, chain, opts)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, 2, res.BlockErrors)
	assert.Equal(t, uint64(2), cursorOf(t, st))

	res, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Aborted, "open circuit refuses the next scan")
	assert.Zero(t, res.Blocks)
}

func TestRun_CancellationStopsAtBlockBoundary(t *testing.T) {
	chain := newFakeChain()
	for h := uint64(1); h <= 5; h++ {
		chain.addBlock(h, transfer("0xtx"+string(rune('0'+h)), addrA, addrB, big.NewInt(1)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chain.onBlock = func(h uint64) {
		if h == 3 {
			cancel()
		}
	}

	e, st := newTestEngine(t, chain, testOptions())
	res, err := e.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, uint64(2), res.End)
	assert.Equal(t, uint64(2), cursorOf(t, st), "unfinished block is not committed")

	chain.onBlock = nil
	res, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Start)
	assert.Equal(t, uint64(5), cursorOf(t, st))
}

func TestRun_OverlapGuard(t *testing.T) {
	chain := newFakeChain()
	chain.height = 1

	entered := make(chan struct{})
	release := make(chan struct{})
	chain.onBlock = func(h uint64) {
		close(entered)
		<-release
	}

	e, _ := newTestEngine(t, chain, testOptions())

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background())
		done <- err
	}()

	<-entered
	assert.True(t, e.Running())
	_, err := e.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, e.Running())

	last, ok := e.LastResult()
	require.True(t, ok)
	assert.Equal(t, 1, last.Blocks)
}

func TestRun_CurrentHeightFailure(t *testing.T) {
	chain := newFakeChain()
	chain.heightErr = model.ErrConnectivity

	e, st := newTestEngine(t, chain, testOptions())
	_, err := e.Run(context.Background())
	assert.ErrorIs(t, err, model.ErrConnectivity)

	_, ok, err := st.Cursor(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartHeight(t *testing.T) {
	tests := []struct {
		name     string
		backfill int64
		cursor   uint64
		hasCur   bool
		current  uint64
		want     uint64
	}{
		{name: "genesis without cursor", backfill: -1, current: 500, want: 1},
		{name: "genesis resumes cursor", backfill: -1, cursor: 200, hasCur: true, current: 500, want: 201},
		{name: "fallback without cursor", backfill: 0, current: 500, want: 400},
		{name: "fallback resumes cursor", backfill: 0, cursor: 450, hasCur: true, current: 500, want: 451},
		{name: "last N on first run", backfill: 50, cursor: 490, hasCur: true, current: 500, want: 451},
		{name: "last N larger than chain", backfill: 50, current: 20, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.BackfillBlocks = tt.backfill
			e, st := newTestEngine(t, newFakeChain(), opts)
			if tt.hasCur {
				_, err := st.CommitBlock(context.Background(), store.BlockWrite{Height: tt.cursor})
				require.NoError(t, err)
			}

			got, err := e.startHeight(context.Background(), tt.current)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStartHeight_LastNOnlyOnFirstRun(t *testing.T) {
	opts := testOptions()
	opts.BackfillBlocks = 50
	e, st := newTestEngine(t, newFakeChain(), opts)
	_, err := st.CommitBlock(context.Background(), store.BlockWrite{Height: 490})
	require.NoError(t, err)

	first, err := e.startHeight(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(451), first)

	second, err := e.startHeight(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(491), second)
}

func TestBackfillDepositAmounts(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(1,
		&model.Transaction{Hash: "0xd1", From: addrA, Type: depositType},
		&model.Transaction{Hash: "0xd2", From: addrB, Type: depositType},
	)

	e, st := newTestEngine(t, chain, testOptions())
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	pending, err := st.PendingDeposits(context.Background(), "", "", 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	chain.mu.Lock()
	chain.transfers["0xd1"] = []model.InternalTransfer{{From: fetch.ZeroAddress, To: addrA, Value: big.NewInt(5e17)}}
	chain.mu.Unlock()

	e.opts.DepositBackfillDelay = time.Millisecond
	res, err := e.BackfillDepositAmounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DepositBackfillResult{Scanned: 2, Updated: 1, Errors: 1}, res)

	ev, err := st.BridgeEvent(context.Background(), "0xd1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, ev.ValueEth, 1e-12)

	pending, err = st.PendingDeposits(context.Background(), "", "", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestBackfillDepositAmounts_ReachesNewerDeposits(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	chain.addBlock(1,
		&model.Transaction{Hash: "0xd1", From: addrA, Type: depositType},
		&model.Transaction{Hash: "0xd2", From: addrA, Type: depositType},
	)
	chain.addBlock(2, &model.Transaction{Hash: "0xd3", From: addrB, Type: depositType})

	opts := testOptions()
	opts.DepositBackfillLimit = 2
	e, st := newTestEngine(t, chain, opts)
	_, err := e.Run(ctx)
	require.NoError(t, err)

	// d1 and d2 never resolve
	chain.mu.Lock()
	chain.transfers["0xd3"] = []model.InternalTransfer{{From: fetch.ZeroAddress, To: addrB, Value: big.NewInt(1e18)}}
	chain.mu.Unlock()

	res, err := e.BackfillDepositAmounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, DepositBackfillResult{Scanned: 2, Updated: 0, Errors: 2}, res)

	// a restarted engine continues where the previous run stopped
	restarted := newEngineOn(t, chain, st, opts)
	res, err = restarted.BackfillDepositAmounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, DepositBackfillResult{Scanned: 2, Updated: 1, Errors: 1}, res)

	ev, err := st.BridgeEvent(ctx, "0xd3")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ev.ValueEth, 1e-12)

	for i := 0; i < 3; i++ {
		res, err = restarted.BackfillDepositAmounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Scanned, "remaining deposits are still retried")
		assert.Zero(t, res.Updated)
	}
}

func TestCompact_RespectsWeeklyWindow(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.ActivityRetention = time.Hour
	e, st := newTestEngine(t, newFakeChain(), opts)

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	dep, err := model.NewBridgeEvent(model.BridgeDeposit, "0xold", addrA, "", 1, 1, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	_, err = st.CommitBlock(ctx, store.BlockWrite{
		Height: 1,
		Activities: []model.ActivityEvent{
			{Address: addrA, BlockHeight: 1, BlockTimestamp: now.Add(-10 * 24 * time.Hour)},
			{Address: addrB, BlockHeight: 1, BlockTimestamp: now.Add(-6 * 24 * time.Hour)},
		},
		Bridges: []model.BridgeEvent{dep},
	})
	require.NoError(t, err)

	removed, err := e.Compact(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	left, err := st.ActivitiesBetween(ctx, now.Add(-30*24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, addrB, left[0].Address)

	_, err = st.BridgeEvent(ctx, "0xold")
	assert.NoError(t, err, "bridge events are not compacted")
}

func TestCompact_ZeroRetentionKeepsEverything(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t, newFakeChain(), testOptions())

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	_, err := st.CommitBlock(ctx, store.BlockWrite{
		Height:     1,
		Activities: []model.ActivityEvent{{Address: addrA, BlockHeight: 1, BlockTimestamp: now.AddDate(-1, 0, 0)}},
	})
	require.NoError(t, err)

	removed, err := e.Compact(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
