package ametsuchi

import (
	"fmt"
	"time"

	internalstore "github.com/i5heu/ametsuchi/internal/blockstore"
	"github.com/sirupsen/logrus"
)

// BlockStoreBackend selects the block store implementation.
type BlockStoreBackend string

const (
	// BlockStoreFlat keeps blocks in one append-only file.
	BlockStoreFlat BlockStoreBackend = "flat"
	// BlockStoreBadger keeps blocks in badger, optionally compressed.
	BlockStoreBadger BlockStoreBackend = "badger"
)

// DefaultMerkleCapacity is the number of leaves in one tree generation.
const DefaultMerkleCapacity = 1024

// Config configures a ledger. Only Paths[0] is used at the moment.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is checked when the stores are opened.
	MinimumFreeGB int
	// Logger is optional. If nil, a logrus logger at Info level is used.
	Logger *logrus.Logger

	// MerkleCapacity is rounded up to a power of two.
	MerkleCapacity int
	BlockStore     BlockStoreBackend
	// Compression is "lzma", "zstd" or empty for none. Badger backend
	// only.
	Compression string
	// RepairTruncatedTail truncates a torn final frame of the flat store on
	// start instead of refusing to open it.
	RepairTruncatedTail bool
	// SyncWrites makes index commits durable before they return. Without
	// it a crash may lose index entries, which the next Start replays.
	// Block store commits are always synced.
	SyncWrites bool

	// InMemory keeps blocks and index in memory. Paths is ignored and
	// nothing survives Close.
	InMemory bool

	// GarbageCollectionInterval runs badger value log GC periodically.
	// Zero disables it.
	GarbageCollectionInterval time.Duration
}

// DefaultConfig returns a durable configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Paths:          []string{path},
		MerkleCapacity: DefaultMerkleCapacity,
		BlockStore:     BlockStoreFlat,
		SyncWrites:     true,
	}
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.MerkleCapacity == 0 {
		c.MerkleCapacity = DefaultMerkleCapacity
	}
	if c.BlockStore == "" {
		c.BlockStore = BlockStoreFlat
	}
}

func (c Config) validate() error {
	if !c.InMemory && len(c.Paths) == 0 {
		return fmt.Errorf("at least one path must be provided in config")
	}
	if c.MerkleCapacity < 1 {
		return fmt.Errorf("merkle capacity must be positive, got %d", c.MerkleCapacity)
	}
	switch c.BlockStore {
	case BlockStoreFlat, BlockStoreBadger:
	default:
		return fmt.Errorf("unknown block store backend %q", c.BlockStore)
	}
	if _, err := internalstore.ParseCodec(c.Compression); err != nil {
		return err
	}
	if c.Compression != "" && c.Compression != "none" && c.BlockStore != BlockStoreBadger {
		return fmt.Errorf("compression requires the %q block store", BlockStoreBadger)
	}
	return nil
}
