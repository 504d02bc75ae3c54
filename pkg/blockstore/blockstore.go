// Package blockstore defines the append-only block log of the ledger.
package blockstore

import (
	"context"
	"errors"

	"github.com/i5heu/ametsuchi/pkg/types"
)

var (
	// ErrStorage wraps every I/O failure of a store.
	ErrStorage = errors.New("blockstore: storage error")
	// ErrCorruptStore reports a store whose persisted blocks fail their
	// integrity checks, for example a torn write at the tail of the log.
	ErrCorruptStore = errors.New("blockstore: corrupt store")
	ErrClosed       = errors.New("blockstore: store closed")
)

// IterateFunc receives one block per call. The block slice is owned by the
// callee. Returning an error stops the iteration and the error is returned
// unchanged from Iterate.
type IterateFunc func(id types.BlockID, block []byte) error

// BlockStore is the durability anchor of the ledger: an append-only,
// sequentially identified log of opaque byte blocks.
//
// # Identifiers
//
// Ids are zero-based and dense. The first block appended gets id 0, the
// next one id 1 and so on. LastID reports types.NoBlock while the store is
// empty.
//
// # Durability
//
// Append returns only after the block and its id are persisted. A block
// whose id was returned survives a crash.
//
// # Integrity
//
// Implementations detect blocks that were only partially written before a
// crash when they are opened and either repair the log or fail with
// ErrCorruptStore. Recovery never runs on a store that failed this check.
//
// # Thread Safety
//
// One writer at a time calls Append. Get, LastID and Iterate may run
// concurrently with each other and with the writer.
type BlockStore interface {
	// Append persists block under the next id and returns that id.
	Append(ctx context.Context, block []byte) (types.BlockID, error)

	// Get returns the exact bytes appended under id, or an error wrapping
	// types.ErrNotFound when id is beyond LastID.
	Get(ctx context.Context, id types.BlockID) ([]byte, error)

	// LastID returns the highest durable id or types.NoBlock.
	LastID(ctx context.Context) (types.BlockID, error)

	// Iterate calls fn for every block from `from` through the LastID
	// observed when Iterate starts, in id order. A `from` beyond that id
	// produces no calls. Each call of Iterate starts a fresh pass.
	Iterate(ctx context.Context, from types.BlockID, fn IterateFunc) error

	Close() error
}
