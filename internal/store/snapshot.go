package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/security"
)

func snapshotPrefix(kind model.SnapshotKind) string {
	return prefixSnapshot + string(kind) + ":"
}

// AppendSnapshot appends a KPI snapshot. Snapshots are never overwritten.
func (s *Store) AppendSnapshot(ctx context.Context, snap model.KpiSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := model.ParseSnapshotKind(string(snap.Kind)); err != nil {
		return err
	}

	value, err := sealOrErr("snapshot", snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	key := append(timeKey(snapshotPrefix(snap.Kind), snap.ComputedAt), encodeUint(s.seq)...)
	batch := newBatch()
	batch.Put(key, value)
	batch.Put([]byte(keySequence), encodeUint(s.seq))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to append %s snapshot: %w", snap.Kind, err)
	}
	return nil
}

// LatestSnapshots returns up to limit snapshots of kind, most recent first
func (s *Store) LatestSnapshots(ctx context.Context, kind model.SnapshotKind, limit int) ([]model.KpiSnapshot, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(snapshotPrefix(kind))), nil)
	defer iter.Release()

	snaps := make([]model.KpiSnapshot, 0)
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if limit > 0 && len(snaps) >= limit {
			break
		}
		var snap model.KpiSnapshot
		if err := security.Open(iter.Value(), &snap); err != nil {
			logrus.WithField("kind", kind).Warnf("Skipping unreadable snapshot: %v", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s snapshots: %w", kind, err)
	}
	return snaps, nil
}

// SnapshotsSince returns snapshots of kind computed at or after from, oldest first
func (s *Store) SnapshotsSince(ctx context.Context, kind model.SnapshotKind, from time.Time) ([]model.KpiSnapshot, error) {
	iter := s.db.NewIterator(&util.Range{
		Start: timeKey(snapshotPrefix(kind), from),
		Limit: util.BytesPrefix([]byte(snapshotPrefix(kind))).Limit,
	}, nil)
	defer iter.Release()

	snaps := make([]model.KpiSnapshot, 0)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var snap model.KpiSnapshot
		if err := security.Open(iter.Value(), &snap); err != nil {
			logrus.WithField("kind", kind).Warnf("Skipping unreadable snapshot: %v", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s snapshots: %w", kind, err)
	}
	return snaps, nil
}

// LatestSnapshot returns the most recent snapshot of kind, model.ErrNotFound if there is none
func (s *Store) LatestSnapshot(ctx context.Context, kind model.SnapshotKind) (model.KpiSnapshot, error) {
	snaps, err := s.LatestSnapshots(ctx, kind, 1)
	if err != nil {
		return model.KpiSnapshot{}, err
	}
	if len(snaps) == 0 {
		return model.KpiSnapshot{}, fmt.Errorf("%w: no %s snapshot", model.ErrNotFound, kind)
	}
	return snaps[0], nil
}
