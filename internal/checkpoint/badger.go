package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const badgerLatestKey = "checkpoint/latest"

// BadgerStore keeps checkpoints in an embedded badger database: one entry
// per cycle plus a pointer key. Badger transactions give the same
// commit-or-nothing property the file backend gets from rename.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database at dir with synchronous
// writes, since a checkpoint that is not on disk is not a checkpoint.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", ErrWriteFailed, err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerCycleKey(cycle uint64) []byte {
	return []byte(fmt.Sprintf("checkpoint/cycle/%012d", cycle))
}

func (s *BadgerStore) Write(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrWriteFailed, err)
	}
	key := badgerCycleKey(cp.Cycle)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(badgerLatestKey), key)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *BadgerStore) Latest(ctx context.Context) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		ptr, err := txn.Get([]byte(badgerLatestKey))
		if err != nil {
			return err
		}
		key, err := ptr.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: badger read: %w", err)
	}
	return cp, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }
