package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
)

func newBatch() *leveldb.Batch {
	return new(leveldb.Batch)
}

func putRetry(batch *leveldb.Batch, r model.RetryItem) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal retry item: %w", err)
	}
	batch.Put([]byte(prefixRetry+strings.ToLower(r.TxHash)), value)
	return nil
}

// RetryItems returns up to limit queued transactions
func (s *Store) RetryItems(ctx context.Context, limit int) ([]model.RetryItem, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixRetry)), nil)
	defer iter.Release()

	items := make([]model.RetryItem, 0)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if limit > 0 && len(items) >= limit {
			break
		}
		var item model.RetryItem
		if err := json.Unmarshal(iter.Value(), &item); err != nil {
			return nil, fmt.Errorf("failed to decode retry item %s: %w", string(iter.Key()), err)
		}
		items = append(items, item)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate retry queue: %w", err)
	}
	return items, nil
}

// PutRetry inserts or replaces a queued transaction
func (s *Store) PutRetry(ctx context.Context, item model.RetryItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := newBatch()
	if err := putRetry(batch, item); err != nil {
		return err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to queue %s: %w", item.TxHash, err)
	}
	return nil
}

// RemoveRetry drops a transaction from the queue
func (s *Store) RemoveRetry(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Delete([]byte(prefixRetry+strings.ToLower(hash)), nil); err != nil {
		return fmt.Errorf("failed to remove %s from retry queue: %w", hash, err)
	}
	return nil
}
