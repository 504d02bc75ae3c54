package blockindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/i5heu/ametsuchi/pkg/blockindex"
	"github.com/i5heu/ametsuchi/pkg/types"
)

// MemoryBlockIndex implements the BlockIndex interface with a map. It is
// used by tests and by ledgers that rebuild their index on every start.
type MemoryBlockIndex struct {
	mu     sync.RWMutex
	ids    map[types.Hash]types.BlockID
	last   types.BlockID
	closed bool
}

func NewMemoryBlockIndex() *MemoryBlockIndex {
	return &MemoryBlockIndex{
		ids:  make(map[types.Hash]types.BlockID),
		last: types.NoBlock,
	}
}

func (i *MemoryBlockIndex) Record(ctx context.Context, h types.Hash, id types.BlockID) error {
	if id.IsEmpty() {
		return fmt.Errorf("blockindex: cannot record the empty block id")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return fmt.Errorf("%w: %s", blockindex.ErrIndexUnavailable, errClosedReason)
	}
	i.ids[h] = id
	if i.last.IsEmpty() || id > i.last {
		i.last = id
	}
	return nil
}

func (i *MemoryBlockIndex) LastBlockID(ctx context.Context) (types.BlockID, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.last, nil
}

func (i *MemoryBlockIndex) Lookup(ctx context.Context, h types.Hash) (types.BlockID, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	id, ok := i.ids[h]
	if !ok {
		return types.NoBlock, fmt.Errorf("blockindex: hash %s: %w", h, types.ErrNotFound)
	}
	return id, nil
}

func (i *MemoryBlockIndex) Len() (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.ids), nil
}

func (i *MemoryBlockIndex) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// Ensure MemoryBlockIndex implements the BlockIndex interface.
var _ blockindex.BlockIndex = (*MemoryBlockIndex)(nil)
