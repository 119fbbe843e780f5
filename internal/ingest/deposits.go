package ingest

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/bridge-kpi-indexer/internal/store"
)

// DepositBackfillResult summarizes a deposit amount backfill run
type DepositBackfillResult struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// BackfillDepositAmounts re-resolves deposits stored without an amount.
// Each deposit is tried at most once per run, with a fixed delay between lookups.
// A run continues after the deposit the previous run stopped at and wraps around
// the index, so deposits that never resolve cannot hold back newer ones.
func (e *Engine) BackfillDepositAmounts(ctx context.Context) (DepositBackfillResult, error) {
	var res DepositBackfillResult

	resume, err := e.store.DepositResume(ctx)
	if err != nil {
		return res, err
	}
	pending, err := e.pendingFrom(ctx, resume, e.opts.DepositBackfillLimit)
	if err != nil {
		return res, err
	}

	limit := rate.Inf
	if e.opts.DepositBackfillDelay > 0 {
		limit = rate.Every(e.opts.DepositBackfillDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	for _, dep := range pending {
		if err := limiter.Wait(ctx); err != nil {
			logrus.WithField("error", err).Info("Deposit backfill interrupted")
			break
		}
		res.Scanned++
		resume = dep.Key

		value := e.resolveDepositAmount(ctx, dep.Event.TxHash)
		if value <= 0 {
			res.Errors++
			e.metrics.IngestError("deposit_backfill")
			continue
		}

		if err := e.store.UpdateDepositAmount(ctx, dep.Event.TxHash, value); err != nil {
			res.Errors++
			e.metrics.IngestError("deposit_backfill")
			logrus.WithFields(logrus.Fields{
				"tx":    dep.Event.TxHash,
				"error": err,
			}).Warn("Failed to update deposit amount")
			continue
		}
		res.Updated++
	}

	if err := e.store.SetDepositResume(context.WithoutCancel(ctx), resume); err != nil {
		logrus.WithField("error", err).Warn("Failed to record deposit backfill position")
	}

	logrus.WithFields(logrus.Fields{
		"scanned": res.Scanned,
		"updated": res.Updated,
		"errors":  res.Errors,
	}).Info("Deposit amount backfill finished")
	return res, nil
}

// pendingFrom lists up to limit unresolved deposits positioned after resume,
// then wraps to the start of the index up to and including resume.
func (e *Engine) pendingFrom(ctx context.Context, resume string, limit int) ([]store.PendingDeposit, error) {
	pending, err := e.store.PendingDeposits(ctx, resume, "", limit)
	if err != nil {
		return nil, err
	}
	if resume == "" || (limit > 0 && len(pending) >= limit) {
		return pending, nil
	}

	rest := 0
	if limit > 0 {
		rest = limit - len(pending)
	}
	wrapped, err := e.store.PendingDeposits(ctx, "", resume, rest)
	if err != nil {
		return nil, err
	}
	return append(pending, wrapped...), nil
}
