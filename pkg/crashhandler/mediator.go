// Package crashhandler brings the block index back in line with the block
// store after a crash.
//
// The store is the durability authority. A block whose append returned is
// on disk, but the process may have died before its hash reached the index.
// Validate replays exactly those blocks. It never writes to the store.
package crashhandler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ametsuchi/pkg/blockindex"
	"github.com/i5heu/ametsuchi/pkg/blockstore"
	"github.com/i5heu/ametsuchi/pkg/types"
	"github.com/sirupsen/logrus"
)

// ErrIndexAhead is returned when the index claims blocks the store does not
// hold. Appends always reach the store first, so this is never repaired
// automatically.
var ErrIndexAhead = errors.New("crashhandler: index is ahead of the block store")

// Mediator holds no state of its own; every Validate starts fresh and may
// be retried after any failure.
type Mediator struct {
	index blockindex.BlockIndex
	store blockstore.BlockStore
	log   *logrus.Entry
}

func NewMediator(index blockindex.BlockIndex, store blockstore.BlockStore, logger *logrus.Logger) *Mediator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Mediator{
		index: index,
		store: store,
		log:   logger.WithField("component", "crashhandler"),
	}
}

// Validate records every stored block the index is missing and returns how
// many were replayed. When both cursors already agree nothing is written.
//
// Store errors, blockstore.ErrCorruptStore included, are returned as they
// are. A failed Record is returned wrapping blockindex.ErrIndexUnavailable;
// blocks recorded before it stay recorded.
func (m *Mediator) Validate(ctx context.Context) (uint64, error) {
	indexLast, err := m.index.LastBlockID(ctx)
	if err != nil {
		return 0, fmt.Errorf("crashhandler: read index cursor: %w", err)
	}
	storeLast, err := m.store.LastID(ctx)
	if err != nil {
		return 0, fmt.Errorf("crashhandler: read store cursor: %w", err)
	}

	if indexLast == storeLast {
		m.log.WithField("lastID", storeLast).Debug("index and block store are consistent")
		return 0, nil
	}
	if storeLast.IsEmpty() || (!indexLast.IsEmpty() && indexLast > storeLast) {
		m.log.WithFields(logrus.Fields{"indexLast": indexLast, "storeLast": storeLast}).Error("index is ahead of the block store")
		return 0, fmt.Errorf("%w: index at %s, store at %s", ErrIndexAhead, indexLast, storeLast)
	}

	from := indexLast.Next()
	m.log.WithFields(logrus.Fields{
		"from":    from,
		"to":      storeLast,
		"missing": storeLast.Count() - indexLast.Count(),
	}).Warn("reconciling block index with block store")

	start := time.Now()
	var replayed uint64
	next := from
	err = m.store.Iterate(ctx, from, func(id types.BlockID, block []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if id != next {
			return fmt.Errorf("%w: expected block %s, store returned %s", blockstore.ErrCorruptStore, next, id)
		}
		if id > storeLast {
			return errStop
		}
		if err := m.index.Record(ctx, types.HashBytes(block), id); err != nil {
			if errors.Is(err, blockindex.ErrIndexUnavailable) {
				return fmt.Errorf("crashhandler: record block %s: %w", id, err)
			}
			return fmt.Errorf("crashhandler: record block %s: %w: %w", id, blockindex.ErrIndexUnavailable, err)
		}
		replayed++
		next = id.Next()
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		m.log.WithError(err).WithField("replayed", replayed).Error("reconciliation aborted")
		return replayed, err
	}
	if next != storeLast.Next() {
		return replayed, fmt.Errorf("%w: store ended at block %s, cursor says %s", blockstore.ErrCorruptStore, next, storeLast)
	}

	m.log.WithFields(logrus.Fields{
		"replayed": replayed,
		"lastID":   storeLast,
		"took":     time.Since(start),
	}).Info("block index reconciled")
	return replayed, nil
}

// errStop ends an iteration once the cursor read at the start is reached.
var errStop = errors.New("stop")
