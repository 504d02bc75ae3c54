// ledgerTorture appends many random blocks from concurrent producers,
// restarts the ledger and audits it. It prints the append throughput of
// the chosen backend.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/i5heu/ametsuchi"
	"github.com/sirupsen/logrus"
)

func main() {
	dir := flag.String("dir", "./tmp", "data directory, removed first")
	backend := flag.String("backend", "flat", "block store backend: flat or badger")
	compression := flag.String("compression", "", "badger codec: lzma or zstd")
	blocks := flag.Int("blocks", 10000, "number of blocks")
	size := flag.Int("size", 1024, "block size in bytes")
	producers := flag.Int("producers", 8, "concurrent producers")
	syncWrites := flag.Bool("sync", true, "sync badger writes")
	flag.Parse()

	if err := os.RemoveAll(*dir); err != nil {
		log.Fatal(err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	conf := ametsuchi.DefaultConfig(*dir)
	conf.Logger = logger
	conf.BlockStore = ametsuchi.BlockStoreBackend(*backend)
	conf.Compression = *compression
	conf.SyncWrites = *syncWrites

	ctx := context.Background()
	ledger := open(ctx, conf)

	work := make(chan []byte, *producers)
	wg := sync.WaitGroup{}
	start := time.Now()

	for p := 0; p < *producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for block := range work {
				if _, err := ledger.Append(ctx, block); err != nil {
					log.Fatalf("append: %v", err)
				}
			}
		}()
	}

	for i := 0; i < *blocks; i++ {
		block := make([]byte, *size)
		if _, err := rand.Read(block); err != nil {
			log.Fatal(err)
		}
		work <- block
	}
	close(work)
	wg.Wait()

	elapsed := time.Since(start)
	root, err := ledger.MerkleRoot()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Appended %d blocks of %d bytes in %s (%.0f blocks/s)\n",
		*blocks, *size, elapsed, float64(*blocks)/elapsed.Seconds())
	fmt.Printf("Root: %s\n", root)

	if err := ledger.Close(); err != nil {
		log.Fatal(err)
	}

	start = time.Now()
	ledger = open(ctx, conf)
	defer ledger.Close()
	fmt.Printf("Restarted in %s\n", time.Since(start))

	again, err := ledger.MerkleRoot()
	if err != nil {
		log.Fatal(err)
	}
	if again != root {
		log.Fatalf("root changed across restart: %s != %s", again, root)
	}

	report, err := ledger.Audit(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Audit of %d blocks took %s, ok: %v\n", report.Blocks, report.Took, report.OK())
	if !report.OK() {
		os.Exit(2)
	}
}

func open(ctx context.Context, conf ametsuchi.Config) *ametsuchi.Ametsuchi {
	ledger, err := ametsuchi.New(conf)
	if err != nil {
		log.Fatal(err)
	}
	if err := ledger.Start(ctx); err != nil {
		log.Fatal(err)
	}
	return ledger
}
