package ingest

import (
	"context"

	"github.com/axiomhq/hyperloglog"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/store"
	"github.com/yourorg/bridge-kpi-indexer/internal/validation"
)

// processRetries re-fetches queued transactions. A recovered transaction is
// classified with its original block height and time and committed without
// moving the cursor; an item is dropped after RetryMaxAttempts attempts.
func (e *Engine) processRetries(ctx context.Context, res *Result, senders *hyperloglog.Sketch) {
	items, err := e.store.RetryItems(ctx, e.opts.RetryBatch)
	if err != nil {
		logrus.WithField("error", err).Warn("Failed to read retry queue")
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}

		tx, err := e.chain.GetTransaction(ctx, item.TxHash)
		if err == nil {
			err = validation.ValidTransaction(tx, e.validation)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			item.Attempts++
			item.LastError = err.Error()

			if item.Attempts >= e.opts.RetryMaxAttempts {
				res.Dropped++
				e.metrics.IngestError("dropped")
				logrus.WithFields(logrus.Fields{
					"tx":       item.TxHash,
					"height":   item.BlockHeight,
					"attempts": item.Attempts,
					"error":    err,
				}).Error("Transaction permanently lost after retries")
				if err := e.store.RemoveRetry(ctx, item.TxHash); err != nil {
					logrus.WithField("error", err).Warn("Failed to drop retry item")
				}
				continue
			}

			if err := e.store.PutRetry(ctx, item); err != nil {
				logrus.WithField("error", err).Warn("Failed to update retry item")
			}
			continue
		}

		w := store.BlockWrite{
			Height:          item.BlockHeight,
			ResolvedRetries: []string{item.TxHash},
		}
		e.classifyInto(ctx, &w, *tx, item.BlockHeight, item.BlockTimestamp, senders)

		inserted, err := e.store.CommitBlock(ctx, w)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"tx":    item.TxHash,
				"error": err,
			}).Warn("Failed to commit retried transaction")
			continue
		}

		res.Retried++
		res.Transactions++
		res.Activities += len(w.Activities)
		res.Bridges += inserted
		e.recordEvents(w, inserted)
		logrus.WithFields(logrus.Fields{
			"tx":     item.TxHash,
			"height": item.BlockHeight,
		}).Info("Recovered queued transaction")
	}
}
