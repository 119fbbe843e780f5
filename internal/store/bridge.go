package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/security"
)

func putBridge(batch *leveldb.Batch, b model.BridgeEvent) error {
	hash := strings.ToLower(b.TxHash)
	value, err := sealOrErr("bridge event", b)
	if err != nil {
		return err
	}
	batch.Put([]byte(prefixBridge+hash), value)
	batch.Put(append(timeKey(prefixBridgeByTS, b.BlockTimestamp), hash...), []byte(hash))
	return nil
}

// BridgeEvent finds a bridge event by tx hash
func (s *Store) BridgeEvent(ctx context.Context, hash string) (model.BridgeEvent, error) {
	if err := ctx.Err(); err != nil {
		return model.BridgeEvent{}, err
	}
	return s.getBridge(strings.ToLower(hash))
}

func (s *Store) getBridge(hash string) (model.BridgeEvent, error) {
	var ev model.BridgeEvent
	raw, err := s.db.Get([]byte(prefixBridge+hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ev, fmt.Errorf("%w: bridge event %s", model.ErrNotFound, hash)
	}
	if err != nil {
		return ev, fmt.Errorf("failed to read bridge event %s: %w", hash, err)
	}
	if err := security.Open(raw, &ev); err != nil {
		return ev, fmt.Errorf("bridge event %s: %w", hash, err)
	}
	return ev, nil
}

// BridgeEventsSince returns bridge events with timestamp at or after from, oldest first
func (s *Store) BridgeEventsSince(ctx context.Context, from time.Time) ([]model.BridgeEvent, error) {
	iter := s.db.NewIterator(&util.Range{
		Start: timeKey(prefixBridgeByTS, from),
		Limit: util.BytesPrefix([]byte(prefixBridgeByTS)).Limit,
	}, nil)
	defer iter.Release()

	events := make([]model.BridgeEvent, 0)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := s.getBridge(string(iter.Value()))
		if err != nil {
			logrus.WithField("tx", string(iter.Value())).Warnf("Skipping unreadable bridge event: %v", err)
			continue
		}
		events = append(events, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate bridge events: %w", err)
	}
	return events, nil
}

// PendingDeposit is an unresolved deposit and its position in the timestamp index
type PendingDeposit struct {
	Event model.BridgeEvent
	Key   string
}

// PendingDeposits returns up to limit unresolved deposits, oldest first, whose
// index position is after `after` and not beyond `until`. Empty bounds are open.
func (s *Store) PendingDeposits(ctx context.Context, after, until string, limit int) ([]PendingDeposit, error) {
	rng := util.BytesPrefix([]byte(prefixBridgeByTS))
	if after != "" {
		rng.Start = append([]byte(after), 0)
	}
	if until != "" {
		rng.Limit = append([]byte(until), 0)
	}
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	pending := make([]PendingDeposit, 0)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if limit > 0 && len(pending) >= limit {
			break
		}
		ev, err := s.getBridge(string(iter.Value()))
		if err != nil {
			continue
		}
		if ev.NeedsAmount() {
			pending = append(pending, PendingDeposit{Event: ev, Key: string(iter.Key())})
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate bridge events: %w", err)
	}
	return pending, nil
}

// DepositResume returns the index position the deposit backfill last stopped at
func (s *Store) DepositResume(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := s.db.Get([]byte(keyDepositResume), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read deposit resume position: %w", err)
	}
	return string(raw), nil
}

// SetDepositResume records where the next deposit backfill run continues
func (s *Store) SetDepositResume(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		if err := s.db.Delete([]byte(keyDepositResume), nil); err != nil {
			return fmt.Errorf("failed to reset deposit resume position: %w", err)
		}
		return nil
	}
	if err := s.db.Put([]byte(keyDepositResume), []byte(key), nil); err != nil {
		return fmt.Errorf("failed to write deposit resume position: %w", err)
	}
	return nil
}

// UpdateDepositAmount sets the resolved amount of a stored deposit
func (s *Store) UpdateDepositAmount(ctx context.Context, hash string, valueEth float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.getBridge(strings.ToLower(hash))
	if err != nil {
		return err
	}
	if ev.Kind != model.BridgeDeposit {
		return fmt.Errorf("bridge event %s is a %s, not a deposit", hash, ev.Kind)
	}
	ev.ValueEth = valueEth

	value, err := sealOrErr("bridge event", ev)
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(prefixBridge+ev.TxHash), value, nil); err != nil {
		return fmt.Errorf("failed to update deposit %s: %w", hash, err)
	}
	return nil
}
