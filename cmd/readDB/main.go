// readDB dumps the keys of a badger directory written by ametsuchi, such as
// <data>/index or <data>/blocks with the badger backend.
package main

import (
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ametsuchi/pkg/types"
)

func main() {
	dir := flag.String("dir", "./data/index", "badger directory")
	prefix := flag.String("prefix", "", "only keys with this prefix")
	flag.Parse()

	db, err := badger.Open(badger.DefaultOptions(*dir).WithReadOnly(true).WithLogger(nil))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	var count int

	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(*prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", formatKey(item.Key()), formatValue(value))
			count++
		}
		return nil
	})

	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Total number of keys: %d\n", count)
}

// formatKey prints the ascii prefix of a key and hex encodes the rest.
func formatKey(key []byte) string {
	i := bytes.IndexByte(key, ':')
	if i < 0 {
		return hex.EncodeToString(key)
	}
	prefix, rest := key[:i+1], key[i+1:]
	if len(rest) == 8 {
		id, _ := types.BlockIDFromBytes(rest)
		return string(prefix) + id.String()
	}
	if bytes.Equal(prefix, []byte("meta:")) || bytes.Equal(prefix, []byte("blockmeta:")) {
		return string(key)
	}
	return string(prefix) + hex.EncodeToString(rest)
}

// formatValue decodes block ids and shortens everything else.
func formatValue(value []byte) string {
	if len(value) == 8 {
		id, _ := types.BlockIDFromBytes(value)
		return id.String()
	}
	if len(value) > 32 {
		return fmt.Sprintf("%s... (%d bytes)", hex.EncodeToString(value[:32]), len(value))
	}
	return hex.EncodeToString(value)
}
