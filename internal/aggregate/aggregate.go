// Package aggregate computes rolling-window KPIs from persisted events and
// appends them as snapshots.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/yourorg/bridge-kpi-indexer/internal/metrics"
	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/price"
)

// Window lengths
const (
	Day        = 24 * time.Hour
	WeekWindow = 7 * Day
)

// Store is the persistence the aggregator reads events from and writes snapshots to
type Store interface {
	ScanActivities(ctx context.Context, from, to time.Time, fn func(model.ActivityEvent) error) error
	BridgeEventsSince(ctx context.Context, from time.Time) ([]model.BridgeEvent, error)
	AppendSnapshot(ctx context.Context, snap model.KpiSnapshot) error
	LatestSnapshot(ctx context.Context, kind model.SnapshotKind) (model.KpiSnapshot, error)
	SnapshotsSince(ctx context.Context, kind model.SnapshotKind, from time.Time) ([]model.KpiSnapshot, error)
}

// PriceQuoter returns the current USD price, possibly stale
type PriceQuoter interface {
	Get(ctx context.Context) price.Quote
}

// TVLSource returns the bridge balance in ETH
type TVLSource interface {
	TVL(ctx context.Context) (float64, error)
}

// SystemFilter identifies addresses excluded from active-address counts
type SystemFilter interface {
	IsSystemAddress(addr string) bool
}

// Aggregator computes KPIs. It only reads events and only writes snapshots.
type Aggregator struct {
	store   Store
	prices  PriceQuoter
	tvl     TVLSource
	system  SystemFilter
	metrics *metrics.Metrics

	// now is replaceable in tests
	now func() time.Time
}

// New creates an aggregator. tvl may be nil when TVL is not configured.
func New(st Store, prices PriceQuoter, tvl TVLSource, system SystemFilter, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		store:   st,
		prices:  prices,
		tvl:     tvl,
		system:  system,
		metrics: m,
		now:     time.Now,
	}
}

// DailyTransactionCount counts activity events on the UTC calendar day of day.
// System addresses are not excluded.
func (a *Aggregator) DailyTransactionCount(ctx context.Context, day time.Time) (int, error) {
	from := model.StartOfDay(day)
	count := 0
	err := a.store.ScanActivities(ctx, from, from.Add(Day), func(model.ActivityEvent) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions for %s: %w", model.PeriodKey(from), err)
	}
	return count, nil
}

// WeeklyActiveAddresses counts distinct non-system senders in [now-7d, now]
func (a *Aggregator) WeeklyActiveAddresses(ctx context.Context, now time.Time) (int, error) {
	details, err := a.activeAddresses(ctx, now)
	if err != nil {
		return 0, err
	}
	return len(details), nil
}

// ActiveAddressDetails returns per-address activity in [now-7d, now], busiest first
func (a *Aggregator) ActiveAddressDetails(ctx context.Context, now time.Time) ([]model.AddressActivity, error) {
	byAddr, err := a.activeAddresses(ctx, now)
	if err != nil {
		return nil, err
	}

	details := make([]model.AddressActivity, 0, len(byAddr))
	for _, d := range byAddr {
		details = append(details, *d)
	}
	sort.Slice(details, func(i, j int) bool {
		if details[i].TxCount != details[j].TxCount {
			return details[i].TxCount > details[j].TxCount
		}
		return details[i].Address < details[j].Address
	})
	return details, nil
}

func (a *Aggregator) activeAddresses(ctx context.Context, now time.Time) (map[string]*model.AddressActivity, error) {
	byAddr := make(map[string]*model.AddressActivity)
	// upper bound is inclusive
	err := a.store.ScanActivities(ctx, now.Add(-WeekWindow), now.Add(time.Nanosecond), func(ev model.ActivityEvent) error {
		if ev.Address == "" || a.system.IsSystemAddress(ev.Address) {
			return nil
		}
		d, ok := byAddr[ev.Address]
		if !ok {
			byAddr[ev.Address] = &model.AddressActivity{
				Address:   ev.Address,
				TxCount:   1,
				FirstSeen: ev.BlockTimestamp,
				LastSeen:  ev.BlockTimestamp,
			}
			return nil
		}
		d.TxCount++
		if ev.BlockTimestamp.Before(d.FirstSeen) {
			d.FirstSeen = ev.BlockTimestamp
		}
		if ev.BlockTimestamp.After(d.LastSeen) {
			d.LastSeen = ev.BlockTimestamp
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan weekly activity: %w", err)
	}
	return byAddr, nil
}

// BridgeActivity sums deposits and withdrawals of the last 24 hours and
// values the volume at the cached price
func (a *Aggregator) BridgeActivity(ctx context.Context, now time.Time) (model.BridgeStats, error) {
	since := now.Add(-Day)
	stats := model.BridgeStats{Since: since}

	events, err := a.store.BridgeEventsSince(ctx, since)
	if err != nil {
		return stats, fmt.Errorf("failed to read bridge events: %w", err)
	}

	for _, ev := range events {
		if ev.BlockTimestamp.After(now) {
			continue
		}
		switch ev.Kind {
		case model.BridgeDeposit:
			stats.DepositsEth += ev.ValueEth
			stats.DepositCount++
		case model.BridgeWithdrawal:
			stats.WithdrawalsEth += ev.ValueEth
			stats.WithdrawalCount++
		}
	}

	quote := a.prices.Get(ctx)
	stats.NetFlowEth = stats.DepositsEth - stats.WithdrawalsEth
	stats.Price = quote.Price
	stats.PriceStale = quote.Stale
	stats.VolumeUsd = (stats.DepositsEth + stats.WithdrawalsEth) * quote.Price
	return stats, nil
}
