// Package keyValStore owns the lifecycle of the embedded badger database
// shared by the badger block store and the badger block index.
package keyValStore

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

type StoreConfig struct {
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
	// SyncWrites makes every committed transaction durable before Update
	// returns.
	SyncWrites bool
	// InMemory keeps everything in memory, Paths is ignored. Used by tests.
	InMemory bool
}

type KeyValStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
	}
	opts = opts.
		WithLogger(badgerLogger{log.WithField("component", "badger")}).
		WithValueLogFileSize(1024 * 1024 * 100). // Set max size of each value log file to 100MB
		WithSyncWrites(config.SyncWrites)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	if !config.InMemory {
		if err := displayDiskUsage(log, config.Paths[:1]); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &KeyValStore{
		config:   config,
		log:      log,
		badgerDB: db,
	}, nil
}

// Update runs fn in a read-write transaction.
func (k *KeyValStore) Update(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.Update(fn)
}

// View runs fn in a read-only transaction.
func (k *KeyValStore) View(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&k.readCounter, 1)
	return k.badgerDB.View(fn)
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	var value []byte
	err := k.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

// SyncWrites reports whether badger syncs every commit to disk.
func (k *KeyValStore) SyncWrites() bool {
	return k.badgerDB.Opts().SyncWrites
}

// Counters returns the number of read and write transactions since open.
func (k *KeyValStore) Counters() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}

// CountWithPrefix counts the keys with the given prefix without reading
// their values.
func (k *KeyValStore) CountWithPrefix(prefix []byte) (int, error) {
	var count int
	err := k.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (k *KeyValStore) Close() error {
	if !k.config.InMemory {
		if err := k.badgerDB.Sync(); err != nil {
			k.log.WithError(err).Warn("sync before close failed")
		}
	}
	return k.badgerDB.Close()
}

// Clean compacts the LSM tree and runs one value log garbage collection.
func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}

	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	// flatten the db
	err = k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Debug("DB Flattened")

	// clean badgerDB
	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}

// badgerLogger routes badger's own logging into logrus, one level lower so
// that badger housekeeping does not flood Info.
type badgerLogger struct {
	entry *logrus.Entry
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.entry.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.entry.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.entry.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.entry.Tracef(f, v...) }
