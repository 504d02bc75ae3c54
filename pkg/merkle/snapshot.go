package merkle

import (
	"errors"
	"fmt"

	"github.com/i5heu/ametsuchi/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot field numbers. The encoding is a plain protobuf message so it
// can be read by any protobuf tooling:
//
//	message TreeSnapshot {
//	  uint64 leaf_capacity = 1;
//	  uint64 current = 2;
//	  uint64 root = 3;
//	  uint64 pushed = 4;
//	  repeated bytes nodes = 5;
//	  bytes last_leaf = 6;
//	}
const (
	fieldLeafCapacity protowire.Number = 1
	fieldCurrent      protowire.Number = 2
	fieldRoot         protowire.Number = 3
	fieldPushed       protowire.Number = 4
	fieldNodes        protowire.Number = 5
	fieldLastLeaf     protowire.Number = 6
)

var ErrInvalidSnapshot = errors.New("merkle: invalid snapshot")

// MarshalBinary encodes the full tree state.
func (t *Tree) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 32+len(t.nodes)*(types.HashSize+2))
	b = protowire.AppendTag(b, fieldLeafCapacity, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.leaves))
	b = protowire.AppendTag(b, fieldCurrent, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.current))
	b = protowire.AppendTag(b, fieldRoot, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.root))
	b = protowire.AppendTag(b, fieldPushed, protowire.VarintType)
	b = protowire.AppendVarint(b, t.pushed)
	for i := range t.nodes {
		b = protowire.AppendTag(b, fieldNodes, protowire.BytesType)
		b = protowire.AppendBytes(b, t.nodes[i][:])
	}
	if t.pushed > 0 {
		b = protowire.AppendTag(b, fieldLastLeaf, protowire.BytesType)
		b = protowire.AppendBytes(b, t.last[:])
	}
	return b, nil
}

// UnmarshalBinary replaces the tree state with a snapshot produced by
// MarshalBinary.
func (t *Tree) UnmarshalBinary(data []byte) error {
	var (
		leaves, current, root, pushed uint64
		nodes                         []types.Hash
		last                          types.Hash
		hasLast                       bool
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidSnapshot, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldNodes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidSnapshot, protowire.ParseError(n))
			}
			var h types.Hash
			if err := h.HashFromBytes(v); err != nil {
				return fmt.Errorf("%w: node %d: %v", ErrInvalidSnapshot, len(nodes), err)
			}
			nodes = append(nodes, h)
			data = data[n:]
		case num == fieldLastLeaf && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidSnapshot, protowire.ParseError(n))
			}
			if err := last.HashFromBytes(v); err != nil {
				return fmt.Errorf("%w: last leaf: %v", ErrInvalidSnapshot, err)
			}
			hasLast = true
			data = data[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidSnapshot, protowire.ParseError(n))
			}
			switch num {
			case fieldLeafCapacity:
				leaves = v
			case fieldCurrent:
				current = v
			case fieldRoot:
				root = v
			case fieldPushed:
				pushed = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidSnapshot, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if leaves == 0 || leaves > uint64(len(nodes)) || leaves&(leaves-1) != 0 {
		return fmt.Errorf("%w: leaf capacity %d", ErrInvalidSnapshot, leaves)
	}
	size := 2*leaves - 1
	if uint64(len(nodes)) != size {
		return fmt.Errorf("%w: %d nodes for leaf capacity %d", ErrInvalidSnapshot, len(nodes), leaves)
	}
	wantCurrent, wantRoot := cursorsFor(int(leaves), pushed)
	if current != uint64(wantCurrent) || root != uint64(wantRoot) {
		return fmt.Errorf("%w: cursors current=%d root=%d do not fit %d pushes", ErrInvalidSnapshot, current, root, pushed)
	}
	if hasLast != (pushed > 0) {
		return fmt.Errorf("%w: last leaf present=%t with %d pushes", ErrInvalidSnapshot, hasLast, pushed)
	}

	t.nodes = nodes
	t.leaves = int(leaves)
	t.current = int(current)
	t.root = int(root)
	t.pushed = pushed
	t.last = last
	return nil
}

// Restore decodes a snapshot into a new tree.
func Restore(data []byte) (*Tree, error) {
	t := &Tree{}
	if err := t.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return t, nil
}
