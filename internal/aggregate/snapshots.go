package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/otel"
)

// SnapshotDailyTransactions appends today's transaction count
func (a *Aggregator) SnapshotDailyTransactions(ctx context.Context) (model.KpiSnapshot, error) {
	ctx, span := otel.StartSpan(ctx, "aggregate.daily_transactions")
	defer span.End()

	now := a.now().UTC()
	count, err := a.DailyTransactionCount(ctx, now)
	if err != nil {
		otel.RecordError(ctx, err)
		return model.KpiSnapshot{}, err
	}
	return a.appendCount(ctx, model.SnapshotDailyTransactions, now, now, count)
}

// SnapshotWeeklyActive appends the distinct active address count of the last 7 days
func (a *Aggregator) SnapshotWeeklyActive(ctx context.Context) (model.KpiSnapshot, error) {
	ctx, span := otel.StartSpan(ctx, "aggregate.weekly_active")
	defer span.End()

	now := a.now().UTC()
	count, err := a.WeeklyActiveAddresses(ctx, now)
	if err != nil {
		otel.RecordError(ctx, err)
		return model.KpiSnapshot{}, err
	}
	return a.appendCount(ctx, model.SnapshotWeeklyActive, now, now, count)
}

func (a *Aggregator) appendCount(ctx context.Context, kind model.SnapshotKind, day, computedAt time.Time, count int) (model.KpiSnapshot, error) {
	snap := model.KpiSnapshot{
		Kind:       kind,
		PeriodKey:  model.PeriodKey(day),
		Value:      float64(count),
		ComputedAt: computedAt.UTC(),
	}
	if err := a.store.AppendSnapshot(ctx, snap); err != nil {
		return snap, fmt.Errorf("failed to store %s snapshot: %w", kind, err)
	}
	a.metrics.SetKPI(string(kind), snap.Value)

	logrus.WithFields(logrus.Fields{
		"kind":   kind,
		"period": snap.PeriodKey,
		"value":  count,
	}).Debug("Snapshot stored")
	return snap, nil
}

// SnapshotTVL values the bridge balance at the cached price and appends it.
// When the balance cannot be read, the previous TVL snapshot is returned
// marked stale and nothing is written.
func (a *Aggregator) SnapshotTVL(ctx context.Context) (model.KpiSnapshot, error) {
	ctx, span := otel.StartSpan(ctx, "aggregate.tvl")
	defer span.End()

	if a.tvl == nil {
		return a.lastTVL(ctx, fmt.Errorf("%w: tvl source not configured", model.ErrConfiguration))
	}

	tvlEth, err := a.tvl.TVL(ctx)
	if err != nil {
		otel.RecordError(ctx, err)
		return a.lastTVL(ctx, err)
	}

	quote := a.prices.Get(ctx)
	snap := model.KpiSnapshot{
		Kind:       model.SnapshotTVL,
		Value:      tvlEth * quote.Price,
		ComputedAt: a.now().UTC(),
		TvlEth:     tvlEth,
		TvlUsd:     tvlEth * quote.Price,
		Stale:      quote.Stale,
	}
	span.SetAttributes(attribute.Float64("tvl_eth", tvlEth))

	if err := a.store.AppendSnapshot(ctx, snap); err != nil {
		return snap, fmt.Errorf("failed to store tvl snapshot: %w", err)
	}
	a.metrics.SetKPI(string(model.SnapshotTVL), snap.TvlUsd)

	logrus.WithFields(logrus.Fields{
		"tvl_eth":     tvlEth,
		"tvl_usd":     snap.TvlUsd,
		"price":       quote.Price,
		"price_stale": quote.Stale,
	}).Info("TVL snapshot stored")
	return snap, nil
}

func (a *Aggregator) lastTVL(ctx context.Context, cause error) (model.KpiSnapshot, error) {
	last, err := a.store.LatestSnapshot(ctx, model.SnapshotTVL)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			logrus.WithField("error", err).Warn("Failed to read previous TVL snapshot")
		}
		logrus.WithField("error", cause).Warn("TVL unavailable and no previous snapshot")
		return model.KpiSnapshot{Kind: model.SnapshotTVL, Stale: true}, nil
	}

	logrus.WithFields(logrus.Fields{
		"error":       cause,
		"computed_at": last.ComputedAt,
	}).Warn("TVL unavailable, serving previous snapshot")
	last.Stale = true
	return last, nil
}

// RecordBridgeActivity computes the 24h bridge stats and publishes them as metrics
func (a *Aggregator) RecordBridgeActivity(ctx context.Context) (model.BridgeStats, error) {
	ctx, span := otel.StartSpan(ctx, "aggregate.bridge_activity")
	defer span.End()

	stats, err := a.BridgeActivity(ctx, a.now().UTC())
	if err != nil {
		otel.RecordError(ctx, err)
		return stats, err
	}
	a.metrics.SetKPI("bridge_volume_usd", stats.VolumeUsd)
	a.metrics.SetKPI("bridge_net_flow_eth", stats.NetFlowEth)

	logrus.WithFields(logrus.Fields{
		"deposits":    stats.DepositCount,
		"withdrawals": stats.WithdrawalCount,
		"net_flow":    stats.NetFlowEth,
		"volume_usd":  stats.VolumeUsd,
	}).Info("Bridge activity computed")
	return stats, nil
}

// Backfill recomputes the daily transaction and weekly active snapshots for
// each of the last days calendar days, oldest first, from stored events only.
// Every day gets one snapshot per kind, including days without activity.
// Days that already have a snapshot of a kind are skipped, so the returned
// slice holds only what this call appended.
func (a *Aggregator) Backfill(ctx context.Context, days int, now time.Time) ([]model.KpiSnapshot, error) {
	ctx, span := otel.StartSpan(ctx, "aggregate.backfill", attribute.Int("days", days))
	defer span.End()

	now = now.UTC()
	today := model.StartOfDay(now)
	snaps := make([]model.KpiSnapshot, 0, 2*days)
	if days <= 0 {
		return snaps, nil
	}

	oldest := today.AddDate(0, 0, -(days - 1))
	haveDaily, err := a.existingPeriods(ctx, model.SnapshotDailyTransactions, oldest)
	if err != nil {
		return snaps, err
	}
	haveWeekly, err := a.existingPeriods(ctx, model.SnapshotWeeklyActive, oldest)
	if err != nil {
		return snaps, err
	}

	for i := days - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return snaps, err
		}

		day := today.AddDate(0, 0, -i)
		asOf := day.Add(Day - time.Nanosecond)
		if asOf.After(now) {
			asOf = now
		}

		period := model.PeriodKey(day)

		if !haveDaily[period] {
			count, err := a.DailyTransactionCount(ctx, day)
			if err != nil {
				otel.RecordError(ctx, err)
				return snaps, err
			}
			snap, err := a.appendCount(ctx, model.SnapshotDailyTransactions, day, asOf, count)
			if err != nil {
				return snaps, err
			}
			snaps = append(snaps, snap)
		}

		if !haveWeekly[period] {
			active, err := a.WeeklyActiveAddresses(ctx, asOf)
			if err != nil {
				otel.RecordError(ctx, err)
				return snaps, err
			}
			snap, err := a.appendCount(ctx, model.SnapshotWeeklyActive, day, asOf, active)
			if err != nil {
				return snaps, err
			}
			snaps = append(snaps, snap)
		}
	}

	logrus.WithFields(logrus.Fields{
		"days":     days,
		"appended": len(snaps),
	}).Info("Snapshot backfill finished")
	return snaps, nil
}

// existingPeriods returns the period keys that already have a snapshot of kind
// computed at or after from
func (a *Aggregator) existingPeriods(ctx context.Context, kind model.SnapshotKind, from time.Time) (map[string]bool, error) {
	snaps, err := a.store.SnapshotsSince(ctx, kind, from)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s snapshots: %w", kind, err)
	}
	periods := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		periods[snap.PeriodKey] = true
	}
	return periods, nil
}
