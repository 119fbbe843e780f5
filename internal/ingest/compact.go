package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// minActivityRetention covers the trailing weekly window plus one day
const minActivityRetention = 8 * 24 * time.Hour

// Compact drops activity events older than the retention period.
// Bridge events are kept. A zero retention keeps everything.
func (e *Engine) Compact(ctx context.Context, now time.Time) (int, error) {
	retention := e.opts.ActivityRetention
	if retention <= 0 {
		return 0, nil
	}
	if retention < minActivityRetention {
		retention = minActivityRetention
	}

	removed, err := e.store.Compact(ctx, now.Add(-retention))
	if err != nil {
		e.metrics.IngestError("compact")
		return 0, err
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"removed": removed,
			"before":  now.Add(-retention).UTC().Format(time.RFC3339),
		}).Info("Compacted activity events")
	}
	return removed, nil
}
