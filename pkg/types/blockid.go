package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrNotFound is returned for a block id beyond the end of a store and for
// a hash that an index has never recorded.
var ErrNotFound = errors.New("ametsuchi: not found")

// BlockID is the zero-based sequence number a block store assigns at
// append time. Ids are dense: the store holding block n holds 0..n.
type BlockID uint64

// NoBlock is reported by empty stores and indexes.
const NoBlock BlockID = math.MaxUint64

func (id BlockID) IsEmpty() bool {
	return id == NoBlock
}

// Next returns the id following id. NoBlock.Next() wraps to 0, the first
// id of an empty store.
func (id BlockID) Next() BlockID {
	return id + 1
}

// Count is the number of blocks in [0, id].
func (id BlockID) Count() uint64 {
	if id.IsEmpty() {
		return 0
	}
	return uint64(id) + 1
}

func (id BlockID) String() string {
	if id.IsEmpty() {
		return "empty"
	}
	return strconv.FormatUint(uint64(id), 10)
}

// Bytes is the big-endian encoding, which keeps ids ordered as keys in a
// sorted key-value store.
func (id BlockID) Bytes() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func BlockIDFromBytes(b []byte) (BlockID, error) {
	if len(b) != 8 {
		return NoBlock, fmt.Errorf("invalid byte length for BlockID: %d", len(b))
	}
	return BlockID(binary.BigEndian.Uint64(b)), nil
}

// LastIDForCount is the inverse of Count.
func LastIDForCount(n uint64) BlockID {
	if n == 0 {
		return NoBlock
	}
	return BlockID(n - 1)
}
