// Command corebench drives the sector cache and WAL manager against an
// in-memory device to measure throughput, in the spirit of the
// benchmark harnesses shipped alongside the rest of this codebase.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/teachos/corestore/pkg/blockdev"
	"github.com/teachos/corestore/pkg/cache"
	"github.com/teachos/corestore/pkg/wal"
)

var (
	flagSectors uint
	flagTxns    int
	flagBench   string
	flagHelp    bool
)

func init() {
	flag.UintVar(&flagSectors, "sectors", 4096, "number of sectors in the simulated device")
	flag.IntVar(&flagTxns, "txns", 20000, "number of operations to run per benchmark")
	flag.StringVar(&flagBench, "bench", "all", "benchmark to run: cache, wal, all")
	flag.BoolVar(&flagHelp, "help", false, "show help")
}

func main() {
	flag.Parse()
	if flagHelp {
		printHelp()
		return
	}

	fmt.Printf("corebench: sectors=%d txns=%d bench=%s\n\n", flagSectors, flagTxns, flagBench)

	switch flagBench {
	case "all":
		runCacheBenchmark()
		runWALBenchmark()
	case "cache":
		runCacheBenchmark()
	case "wal":
		runWALBenchmark()
	default:
		fmt.Fprintf(os.Stderr, "corebench: unknown -bench %q\n", flagBench)
		os.Exit(2)
	}
}

func printHelp() {
	fmt.Print(`corebench - microbenchmarks for the sector cache and WAL manager

Usage:
  corebench [-sectors N] [-txns N] [-bench cache|wal|all]
`)
}

func runCacheBenchmark() {
	fmt.Println("=== cache read/write ===")

	dev := blockdev.NewMemDevice(uint32(flagSectors))
	defer dev.Close()
	c := cache.New(dev)
	defer c.Close()

	buf := make([]byte, blockdev.SectorSize)

	start := time.Now()
	for i := 0; i < flagTxns; i++ {
		secNo := uint32(i) % uint32(flagSectors)
		if err := c.Write(secNo, buf, 0, blockdev.SectorSize); err != nil {
			fmt.Fprintf(os.Stderr, "write error: %v\n", err)
			return
		}
	}
	writeElapsed := time.Since(start)

	start = time.Now()
	for i := 0; i < flagTxns; i++ {
		secNo := uint32(i) % uint32(flagSectors)
		if err := c.Read(secNo, buf); err != nil {
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			return
		}
	}
	readElapsed := time.Since(start)

	report("write", flagTxns, writeElapsed)
	report("read", flagTxns, readElapsed)
	fmt.Printf("stats: %s\n\n", c.Stats())
}

func runWALBenchmark() {
	fmt.Println("=== wal commit throughput ===")

	dev := blockdev.NewMemDevice(uint32(flagSectors))
	defer dev.Close()
	c := cache.New(dev)
	defer c.Close()
	m := wal.New(dev, c)
	if err := m.Init(true); err != nil {
		fmt.Fprintf(os.Stderr, "init error: %v\n", err)
		return
	}

	payload := []byte("corebench-payload")

	start := time.Now()
	for i := 0; i < flagTxns; i++ {
		secNo := uint32(100 + i%int(flagSectors-100))
		txn := m.TxnBegin()
		ok, err := m.Mutate(txn, secNo, payload, 0, len(payload))
		if err != nil {
			fmt.Fprintf(os.Stderr, "mutate error: %v\n", err)
			return
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "log_write refused at iteration %d\n", i)
			return
		}
		if !m.TxnCommit(txn) {
			fmt.Fprintf(os.Stderr, "commit refused at iteration %d\n", i)
			return
		}
	}
	elapsed := time.Since(start)

	report("committed txn", flagTxns, elapsed)
	fmt.Printf("stats: %+v\n\n", m.GetStats())
}

func report(label string, n int, elapsed time.Duration) {
	ops := float64(n) / elapsed.Seconds()
	fmt.Printf("%-14s time=%v ops/sec=%.0f avg=%.0fns\n", label, elapsed, ops, float64(elapsed.Nanoseconds())/float64(n))
}
