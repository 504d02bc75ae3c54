package types

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// HashSize is the width in bytes of every digest in the ledger.
const HashSize = 32

// Hash is a SHA3-256 digest. The same primitive is used for block hashes,
// for the index keys and for the inner nodes of the merkle accumulator.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h *Hash) HashFromBytes(b []byte) error {
	if len(b) != HashSize {
		return fmt.Errorf("invalid byte length for Hash: %d", len(b))
	}
	copy(h[:], b)
	return nil
}

// ParseHash decodes the hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash %q: %w", s, err)
	}
	if err := h.HashFromBytes(b); err != nil {
		return h, err
	}
	return h, nil
}

// HashBytes hashes the full contents of data.
func HashBytes(data []byte) Hash {
	return Hash(sha3.Sum256(data))
}

// HashPair returns H(left || right) over the raw digest bytes, no length
// prefix and no separator.
func HashPair(left, right Hash) Hash {
	var buf [2 * HashSize]byte
	copy(buf[:HashSize], left[:])
	copy(buf[HashSize:], right[:])
	return Hash(sha3.Sum256(buf[:]))
}
