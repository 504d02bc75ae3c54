// Package blockindex provides block index implementations for ametsuchi.
package blockindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ametsuchi/internal/keyValStore"
	"github.com/i5heu/ametsuchi/pkg/blockindex"
	"github.com/i5heu/ametsuchi/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	prefixHash      = "hash:"
	keyLastBlockID  = "meta:last_blockid"
	errClosedReason = "index closed"
)

// BadgerBlockIndex persists hash -> id entries in badger. An entry and the
// cursor move are committed in one transaction.
type BadgerBlockIndex struct {
	kv      *keyValStore.KeyValStore
	log     *logrus.Entry
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewBadgerBlockIndex takes ownership of kv; Close closes it.
func NewBadgerBlockIndex(kv *keyValStore.KeyValStore, logger *logrus.Logger) *BadgerBlockIndex {
	if logger == nil {
		logger = logrus.New()
	}
	return &BadgerBlockIndex{
		kv:  kv,
		log: logger.WithField("component", "badgerBlockIndex"),
	}
}

func hashKey(h types.Hash) []byte {
	return append([]byte(prefixHash), h.Bytes()...)
}

func readID(txn *badger.Txn, key []byte) (types.BlockID, error) {
	item, err := txn.Get(key)
	if err != nil {
		return types.NoBlock, err
	}
	var id types.BlockID
	err = item.Value(func(v []byte) error {
		id, err = types.BlockIDFromBytes(v)
		return err
	})
	return id, err
}

func (i *BadgerBlockIndex) Record(ctx context.Context, h types.Hash, id types.BlockID) error {
	if i.closed.Load() {
		return fmt.Errorf("%w: %s", blockindex.ErrIndexUnavailable, errClosedReason)
	}
	if id.IsEmpty() {
		return fmt.Errorf("blockindex: cannot record the empty block id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	err := i.kv.Update(func(txn *badger.Txn) error {
		if err := txn.Set(hashKey(h), id.Bytes()); err != nil {
			return err
		}
		last, err := readID(txn, []byte(keyLastBlockID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			last = types.NoBlock
		} else if err != nil {
			return err
		}
		if last.IsEmpty() || id > last {
			return txn.Set([]byte(keyLastBlockID), id.Bytes())
		}
		return nil
	})
	if err != nil {
		i.log.WithError(err).WithFields(logrus.Fields{"hash": h.String(), "id": id}).Error("recording block failed")
		return fmt.Errorf("%w: record %s: %v", blockindex.ErrIndexUnavailable, id, err)
	}
	return nil
}

func (i *BadgerBlockIndex) LastBlockID(ctx context.Context) (types.BlockID, error) {
	if i.closed.Load() {
		return types.NoBlock, fmt.Errorf("%w: %s", blockindex.ErrIndexUnavailable, errClosedReason)
	}
	var id types.BlockID
	err := i.kv.View(func(txn *badger.Txn) error {
		var err error
		id, err = readID(txn, []byte(keyLastBlockID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			id = types.NoBlock
			return nil
		}
		return err
	})
	if err != nil {
		return types.NoBlock, fmt.Errorf("%w: read cursor: %v", blockindex.ErrIndexUnavailable, err)
	}
	return id, nil
}

func (i *BadgerBlockIndex) Lookup(ctx context.Context, h types.Hash) (types.BlockID, error) {
	if i.closed.Load() {
		return types.NoBlock, fmt.Errorf("%w: %s", blockindex.ErrIndexUnavailable, errClosedReason)
	}
	value, err := i.kv.Read(hashKey(h))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.NoBlock, fmt.Errorf("blockindex: hash %s: %w", h, types.ErrNotFound)
	}
	if err != nil {
		return types.NoBlock, fmt.Errorf("%w: lookup %s: %v", blockindex.ErrIndexUnavailable, h, err)
	}
	id, err := types.BlockIDFromBytes(value)
	if err != nil {
		return types.NoBlock, fmt.Errorf("%w: lookup %s: %v", blockindex.ErrIndexUnavailable, h, err)
	}
	return id, nil
}

// Counters returns the read and write transactions run since open.
func (i *BadgerBlockIndex) Counters() (reads, writes uint64) {
	return i.kv.Counters()
}

// Len counts the recorded hashes.
func (i *BadgerBlockIndex) Len() (int, error) {
	n, err := i.kv.CountWithPrefix([]byte(prefixHash))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", blockindex.ErrIndexUnavailable, err)
	}
	return n, nil
}

// Clean runs badger compaction and value log garbage collection.
func (i *BadgerBlockIndex) Clean() error {
	return i.kv.Clean()
}

func (i *BadgerBlockIndex) Close() error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	if i.closed.Swap(true) {
		return nil
	}
	return i.kv.Close()
}

// Ensure BadgerBlockIndex implements the BlockIndex interface.
var _ blockindex.BlockIndex = (*BadgerBlockIndex)(nil)
