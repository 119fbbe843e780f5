// Package ingest scans the L2 chain block by block, classifies transactions
// and persists activity and bridge events together with the ingestion cursor.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/axiomhq/hyperloglog"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/bridge-kpi-indexer/internal/circuitbreaker"
	"github.com/yourorg/bridge-kpi-indexer/internal/classify"
	"github.com/yourorg/bridge-kpi-indexer/internal/config"
	"github.com/yourorg/bridge-kpi-indexer/internal/fetch"
	"github.com/yourorg/bridge-kpi-indexer/internal/metrics"
	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/otel"
	"github.com/yourorg/bridge-kpi-indexer/internal/store"
	"github.com/yourorg/bridge-kpi-indexer/internal/validation"
)

// ErrAlreadyRunning is returned when a scan is requested while one is active
var ErrAlreadyRunning = errors.New("ingestion already running")

// Store is the persistence the engine writes through
type Store interface {
	Cursor(ctx context.Context) (uint64, bool, error)
	CommitBlock(ctx context.Context, w store.BlockWrite) (int, error)
	RetryItems(ctx context.Context, limit int) ([]model.RetryItem, error)
	PutRetry(ctx context.Context, item model.RetryItem) error
	RemoveRetry(ctx context.Context, hash string) error
	PendingDeposits(ctx context.Context, after, until string, limit int) ([]store.PendingDeposit, error)
	UpdateDepositAmount(ctx context.Context, hash string, valueEth float64) error
	DepositResume(ctx context.Context) (string, error)
	SetDepositResume(ctx context.Context, key string) error
	Compact(ctx context.Context, before time.Time) (int, error)
}

// Options controls scan behavior
type Options struct {
	// BackfillBlocks: -1 resume or genesis, 0 resume or fallback window, >0 last N blocks on the first run
	BackfillBlocks int64
	FallbackWindow uint64

	TxConcurrency int
	ScanDeadline  time.Duration

	RetryMaxAttempts int
	RetryBatch       int

	// BreakerFailures consecutive block failures stop the scan
	BreakerFailures int
	BreakerReset    time.Duration

	DepositBackfillDelay time.Duration
	DepositBackfillLimit int

	// ActivityRetention is how long activity events are kept, 0 keeps everything
	ActivityRetention time.Duration
}

// OptionsFromConfig maps configuration onto engine options
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BackfillBlocks:       cfg.BackfillBlocks,
		FallbackWindow:       cfg.FallbackWindow,
		TxConcurrency:        cfg.TxConcurrency,
		ScanDeadline:         cfg.ScanDeadline,
		RetryMaxAttempts:     cfg.RetryMaxAttempts,
		RetryBatch:           100,
		BreakerFailures:      5,
		BreakerReset:         time.Minute,
		DepositBackfillDelay: cfg.DepositBackfillDelay,
		DepositBackfillLimit: cfg.DepositBackfillLimit,
		ActivityRetention:    cfg.ActivityRetention,
	}
}

// Result summarizes one scan
type Result struct {
	Start         uint64 `json:"start"`
	End           uint64 `json:"end"`
	Blocks        int    `json:"blocks"`
	Transactions  int    `json:"transactions"`
	Activities    int    `json:"activities"`
	Bridges       int    `json:"bridges"`
	TxErrors      int    `json:"tx_errors"`
	BlockErrors   int    `json:"block_errors"`
	Retried       int    `json:"retried"`
	Dropped       int    `json:"dropped"`
	ApproxSenders uint64 `json:"approx_senders"`
	Aborted       bool   `json:"aborted,omitempty"`
	AbortReason   string `json:"abort_reason,omitempty"`
}

// Engine runs block scans. At most one scan is active at a time.
type Engine struct {
	chain      fetch.ChainClient
	store      Store
	classifier *classify.Classifier
	opts       Options
	breaker    *circuitbreaker.CircuitBreaker
	metrics    *metrics.Metrics
	pool       pond.Pool
	validation validation.ValidationOptions

	running      atomic.Bool
	firstRunDone atomic.Bool

	mu         sync.RWMutex
	lastResult *Result
}

// NewEngine creates an ingestion engine
func NewEngine(chain fetch.ChainClient, st Store, classifier *classify.Classifier, opts Options, m *metrics.Metrics) *Engine {
	if opts.TxConcurrency <= 0 {
		opts.TxConcurrency = 1
	}
	if opts.RetryMaxAttempts <= 0 {
		opts.RetryMaxAttempts = 1
	}
	if opts.RetryBatch <= 0 {
		opts.RetryBatch = 100
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = time.Minute
	}

	breaker := circuitbreaker.New(opts.BreakerFailures).
		WithResetDelay(opts.BreakerReset).
		WithTripCallback(func(reason string) {
			logrus.WithField("reason", reason).Error("Chain RPC circuit opened, scans paused")
		})

	return &Engine{
		chain:      chain,
		store:      st,
		classifier: classifier,
		opts:       opts,
		breaker:    breaker,
		metrics:    m,
		pool:       pond.NewPool(opts.TxConcurrency, pond.WithQueueSize(opts.TxConcurrency*4)),
		validation: validation.DefaultValidationOptions(),
	}
}

// Close stops the worker pool
func (e *Engine) Close() {
	e.pool.StopAndWait()
}

// Running reports whether a scan is active
func (e *Engine) Running() bool {
	return e.running.Load()
}

// BreakerState returns the RPC circuit breaker state
func (e *Engine) BreakerState() circuitbreaker.State {
	return e.breaker.GetState()
}

// LastResult returns the result of the last finished scan
func (e *Engine) LastResult() (Result, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastResult == nil {
		return Result{}, false
	}
	return *e.lastResult, true
}

// Run performs one scan from the resume point to the current chain height.
// The cursor is committed with each block, so a cancelled or timed-out scan
// stops at a block boundary and the next run resumes after the last committed block.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	if e.opts.ScanDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ScanDeadline)
		defer cancel()
	}

	ctx, span := otel.StartSpan(ctx, "ingest.scan")
	defer span.End()

	started := time.Now()
	res, err := e.scan(ctx)
	if err != nil {
		otel.RecordError(ctx, err)
	}
	span.SetAttributes(
		attribute.Int64("start", int64(res.Start)),
		attribute.Int64("end", int64(res.End)),
		attribute.Int("blocks", res.Blocks),
	)

	e.metrics.SetBreakerState(int(e.breaker.GetState()))
	e.metrics.SetApproxSenders(res.ApproxSenders)

	e.mu.Lock()
	e.lastResult = &res
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"start":        res.Start,
		"end":          res.End,
		"blocks":       res.Blocks,
		"transactions": res.Transactions,
		"activities":   res.Activities,
		"bridges":      res.Bridges,
		"tx_errors":    res.TxErrors,
		"block_errors": res.BlockErrors,
		"retried":      res.Retried,
		"dropped":      res.Dropped,
		"senders":      res.ApproxSenders,
		"aborted":      res.Aborted,
		"duration":     time.Since(started).Round(time.Millisecond),
	}).Info("Ingestion scan finished")

	return res, err
}

func (e *Engine) scan(ctx context.Context) (Result, error) {
	var res Result
	senders := hyperloglog.New14()

	if err := e.breaker.Allow(); err != nil {
		res.Aborted = true
		res.AbortReason = err.Error()
		return res, nil
	}

	e.processRetries(ctx, &res, senders)

	current, err := e.chain.CurrentHeight(ctx)
	if err != nil {
		e.breaker.RecordFailure(err)
		return res, fmt.Errorf("failed to read current height: %w", err)
	}

	start, err := e.startHeight(ctx, current)
	if err != nil {
		return res, err
	}
	res.Start = start
	if start > current {
		logrus.WithFields(logrus.Fields{
			"start":   start,
			"current": current,
		}).Debug("Nothing to scan")
		res.ApproxSenders = senders.Estimate()
		return res, nil
	}

	for h := start; h <= current; h++ {
		if err := ctx.Err(); err != nil {
			res.Aborted = true
			res.AbortReason = err.Error()
			break
		}
		if err := e.breaker.Allow(); err != nil {
			res.Aborted = true
			res.AbortReason = err.Error()
			break
		}

		w, blockErr := e.processBlock(ctx, h, &res, senders)
		if blockErr != nil {
			if ctx.Err() != nil {
				// unfinished block, leave it for the next run
				res.Aborted = true
				res.AbortReason = ctx.Err().Error()
				break
			}
			res.BlockErrors++
			e.metrics.IngestError("block")
			logrus.WithFields(logrus.Fields{
				"height": h,
				"error":  blockErr,
			}).Warn("Skipping block")
			w = store.BlockWrite{Height: h}
			e.breaker.RecordFailure(blockErr)
		} else {
			e.breaker.RecordSuccess()
		}

		inserted, err := e.store.CommitBlock(ctx, w)
		if err != nil {
			if ctx.Err() != nil {
				res.Aborted = true
				res.AbortReason = ctx.Err().Error()
				break
			}
			return res, fmt.Errorf("failed to commit block %d: %w", h, err)
		}

		res.End = h
		res.Blocks++
		res.Activities += len(w.Activities)
		res.Bridges += inserted
		e.metrics.SetCursor(h)
		e.recordEvents(w, inserted)
	}

	res.ApproxSenders = senders.Estimate()
	return res, nil
}

// startHeight applies the backfill policy
func (e *Engine) startHeight(ctx context.Context, current uint64) (uint64, error) {
	cursor, ok, err := e.store.Cursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}

	if e.opts.BackfillBlocks > 0 && e.firstRunDone.CompareAndSwap(false, true) {
		n := uint64(e.opts.BackfillBlocks)
		if current < n {
			return 1, nil
		}
		return current - n + 1, nil
	}

	if ok {
		return cursor + 1, nil
	}

	if e.opts.BackfillBlocks == config.BackfillFromGenesis {
		return 1, nil
	}
	if current <= e.opts.FallbackWindow {
		return 1, nil
	}
	return current - e.opts.FallbackWindow, nil
}

func (e *Engine) recordEvents(w store.BlockWrite, inserted int) {
	e.metrics.EventsStored("activity", len(w.Activities))
	deposits, withdrawals := 0, 0
	for _, b := range w.Bridges {
		if b.Kind == model.BridgeDeposit {
			deposits++
		} else {
			withdrawals++
		}
	}
	// replays insert fewer bridge events than were classified
	if inserted < deposits+withdrawals {
		return
	}
	e.metrics.EventsStored("deposit", deposits)
	e.metrics.EventsStored("withdrawal", withdrawals)
}
