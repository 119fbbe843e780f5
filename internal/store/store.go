// Package store persists events, snapshots, the ingestion cursor and the
// retry queue in an embedded LevelDB database.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/security"
)

// Key prefixes of the logical collections
const (
	prefixActivity    = "act:"
	prefixBridge      = "brg:tx:"
	prefixBridgeByTS  = "brg:ts:"
	prefixSnapshot    = "snap:"
	prefixRetry       = "retry:"
	keyCursor         = "meta:cursor"
	keySequence       = "meta:seq"
	keyDepositResume  = "meta:deposit_resume"
	timestampKeyBytes = 8
)

// Store is the persistence boundary of the indexer. Writes are serialized;
// reads run against the live database.
type Store struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

// BlockWrite is everything produced by processing one block. It is committed
// in a single batch together with the cursor advance.
type BlockWrite struct {
	Height          uint64
	Activities      []model.ActivityEvent
	Bridges         []model.BridgeEvent
	Retries         []model.RetryItem
	ResolvedRetries []string
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return newStore(db)
}

// OpenMemory opens a database that lives only in memory
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	return newStore(db)
}

func newStore(db *leveldb.DB) (*Store, error) {
	s := &Store{db: db}
	seq, _, err := s.getUint(keySequence)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.seq = seq
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is usable
func (s *Store) Ping() error {
	_, err := s.db.GetProperty("leveldb.num-files-at-level0")
	return err
}

func (s *Store) getUint(key string) (uint64, bool, error) {
	raw, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("corrupt value under %s", key)
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// Cursor returns the last processed block height and whether one has been recorded
func (s *Store) Cursor(ctx context.Context) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	return s.getUint(keyCursor)
}

// CommitBlock writes the block's events and advances the cursor atomically.
// Activities are always written; bridge events are only written when no event
// with the same tx hash exists. The cursor never moves backwards.
// It returns the number of bridge events actually inserted.
func (s *Store) CommitBlock(ctx context.Context, w BlockWrite) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	seq := s.seq

	for _, a := range w.Activities {
		seq++
		value, err := json.Marshal(a)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal activity: %w", err)
		}
		batch.Put(activityKey(a.BlockTimestamp, seq), value)
	}

	inserted := 0
	seen := make(map[string]struct{}, len(w.Bridges))
	for _, b := range w.Bridges {
		hash := strings.ToLower(b.TxHash)
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}

		exists, err := s.db.Has([]byte(prefixBridge+hash), nil)
		if err != nil {
			return 0, fmt.Errorf("failed to check bridge event %s: %w", hash, err)
		}
		if exists {
			continue
		}
		if err := putBridge(batch, b); err != nil {
			return 0, err
		}
		inserted++
	}

	for _, r := range w.Retries {
		if err := putRetry(batch, r); err != nil {
			return 0, err
		}
	}
	for _, hash := range w.ResolvedRetries {
		batch.Delete([]byte(prefixRetry + strings.ToLower(hash)))
	}

	current, ok, err := s.getUint(keyCursor)
	if err != nil {
		return 0, err
	}
	if !ok || w.Height > current {
		batch.Put([]byte(keyCursor), encodeUint(w.Height))
	}
	if seq != s.seq {
		batch.Put([]byte(keySequence), encodeUint(seq))
	}

	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("failed to commit block %d: %w", w.Height, err)
	}
	s.seq = seq
	return inserted, nil
}

// ScanActivities calls fn for every activity event with timestamp in [from, to), oldest first
func (s *Store) ScanActivities(ctx context.Context, from, to time.Time, fn func(model.ActivityEvent) error) error {
	if !to.After(from) {
		return nil
	}
	iter := s.db.NewIterator(&util.Range{
		Start: timeKey(prefixActivity, from),
		Limit: timeKey(prefixActivity, to),
	}, nil)
	defer iter.Release()

	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var a model.ActivityEvent
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			logrus.WithField("key", string(iter.Key())).Warnf("Skipping corrupt activity event: %v", err)
			continue
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return iter.Error()
}

// ActivitiesBetween returns activity events with timestamp in [from, to), oldest first
func (s *Store) ActivitiesBetween(ctx context.Context, from, to time.Time) ([]model.ActivityEvent, error) {
	events := make([]model.ActivityEvent, 0)
	err := s.ScanActivities(ctx, from, to, func(a model.ActivityEvent) error {
		events = append(events, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan activities: %w", err)
	}
	return events, nil
}

// Compact deletes activity events older than before and returns how many were removed
func (s *Store) Compact(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(&util.Range{
		Start: []byte(prefixActivity),
		Limit: timeKey(prefixActivity, before),
	}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("failed to iterate activities: %w", err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("failed to compact activities: %w", err)
	}
	return batch.Len(), nil
}

func activityKey(ts time.Time, seq uint64) []byte {
	key := timeKey(prefixActivity, ts)
	return append(key, encodeUint(seq)...)
}

// timeKey is prefix followed by the big-endian unix nanoseconds of ts,
// so lexicographic order equals chronological order
func timeKey(prefix string, ts time.Time) []byte {
	nanos := ts.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	key := make([]byte, 0, len(prefix)+timestampKeyBytes+8)
	key = append(key, prefix...)
	return append(key, encodeUint(uint64(nanos))...)
}

func encodeUint(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// sealOrErr wraps security.Seal with a contextual error
func sealOrErr(what string, v interface{}) ([]byte, error) {
	data, err := security.Seal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to seal %s: %w", what, err)
	}
	return data, nil
}
