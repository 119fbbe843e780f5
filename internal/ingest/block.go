package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/axiomhq/hyperloglog"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/bridge-kpi-indexer/internal/fetch"
	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/otel"
	"github.com/yourorg/bridge-kpi-indexer/internal/store"
	"github.com/yourorg/bridge-kpi-indexer/internal/validation"
)

type txResult struct {
	tx   *model.Transaction
	err  error
	done bool
}

// processBlock fetches and classifies every transaction of block h.
// Transaction failures are queued for retry; only a block-level failure is returned.
func (e *Engine) processBlock(ctx context.Context, h uint64, res *Result, senders *hyperloglog.Sketch) (store.BlockWrite, error) {
	ctx, span := otel.StartSpan(ctx, "ingest.block", attribute.Int64("height", int64(h)))
	defer span.End()

	w := store.BlockWrite{Height: h}

	block, err := e.chain.GetBlock(ctx, h)
	if err != nil {
		otel.RecordError(ctx, err)
		return w, fmt.Errorf("failed to fetch block %d: %w", h, err)
	}

	results := e.fetchTransactions(ctx, block.TxHashes)
	if err := ctx.Err(); err != nil {
		return w, err
	}

	for i, r := range results {
		hash := block.TxHashes[i]
		if !r.done {
			return w, fmt.Errorf("transaction %s of block %d was not fetched", hash, h)
		}
		if r.err != nil {
			res.TxErrors++
			e.metrics.IngestError("tx")
			logrus.WithFields(logrus.Fields{
				"height": h,
				"tx":     hash,
				"error":  r.err,
			}).Warn("Transaction fetch failed, queued for retry")
			w.Retries = append(w.Retries, model.RetryItem{
				TxHash:         hash,
				BlockHeight:    h,
				BlockTimestamp: block.Timestamp,
				Attempts:       1,
				LastError:      r.err.Error(),
			})
			continue
		}

		res.Transactions++
		e.classifyInto(ctx, &w, *r.tx, h, block.Timestamp, senders)
	}

	e.metrics.BlockProcessed(len(block.TxHashes))
	return w, nil
}

// fetchTransactions fetches transactions on the worker pool. Results keep the
// order of hashes regardless of completion order.
func (e *Engine) fetchTransactions(ctx context.Context, hashes []string) []txResult {
	results := make([]txResult, len(hashes))
	if len(hashes) == 0 {
		return results
	}

	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, hash := range hashes {
		i, hash := i, hash
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			tx, err := e.chain.GetTransaction(groupCtx, hash)
			if err == nil {
				err = validation.ValidTransaction(tx, e.validation)
			}
			results[i] = txResult{tx: tx, err: err, done: true}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		logrus.WithField("error", err).Warn("Transaction fetch group encountered error")
	}
	return results
}

// classifyInto classifies tx and appends its events to w, resolving deposit amounts
func (e *Engine) classifyInto(ctx context.Context, w *store.BlockWrite, tx model.Transaction, h uint64, ts time.Time, senders *hyperloglog.Sketch) {
	out := e.classifier.Classify(tx, h, ts)

	if out.Activity != nil {
		w.Activities = append(w.Activities, *out.Activity)
		senders.Insert([]byte(out.Activity.Address))
	}
	if out.Bridge == nil {
		return
	}

	ev := *out.Bridge
	if ev.Kind == model.BridgeWithdrawal && e.reverted(ctx, ev.TxHash) {
		logrus.WithFields(logrus.Fields{
			"height": h,
			"tx":     ev.TxHash,
		}).Debug("Reverted withdrawal skipped")
		return
	}
	if out.NeedsAmount {
		ev.ValueEth = e.resolveDepositAmount(ctx, ev.TxHash)
		if ev.ValueEth == 0 {
			logrus.WithFields(logrus.Fields{
				"height": h,
				"tx":     ev.TxHash,
			}).Debug("Deposit amount unresolved, left for backfill")
		}
	}
	w.Bridges = append(w.Bridges, ev)
}

// reverted reports whether the receipt of hash shows a failed execution.
// A missing or unreadable receipt counts as not reverted.
func (e *Engine) reverted(ctx context.Context, hash string) bool {
	ok, err := e.chain.TransactionSucceeded(ctx, hash)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"tx":    hash,
			"error": err,
		}).Debug("Receipt lookup failed, keeping withdrawal")
		return false
	}
	return !ok
}

func (e *Engine) resolveDepositAmount(ctx context.Context, hash string) float64 {
	amount := fetch.DepositAmount(e.chain.GetInternalTransfers(ctx, hash))
	if amount == nil {
		return 0
	}
	return model.WeiToEth(amount)
}
