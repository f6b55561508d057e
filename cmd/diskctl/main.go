// Command diskctl is a small operational tool for poking at a
// corestore-formatted block device file: format it, read and write raw
// sectors, force a checkpoint, and print cache/WAL telemetry.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/teachos/corestore/pkg/blockdev"
	"github.com/teachos/corestore/pkg/cache"
	"github.com/teachos/corestore/pkg/wal"
)

var (
	flagDevice  string
	flagSectors uint
	flagSector  uint
	flagOffset  uint
	flagData    string
	flagFormat  string
)

func init() {
	flag.StringVar(&flagDevice, "device", "", "path to the block device image")
	flag.UintVar(&flagSectors, "sectors", 4096, "sector count of the device; an existing file must match it")
	flag.UintVar(&flagSector, "sector", 100, "sector number for put/get")
	flag.UintVar(&flagOffset, "offset", 0, "byte offset within the sector for put/get")
	flag.StringVar(&flagData, "data", "", "bytes to write for put, written as given")
	flag.StringVar(&flagFormat, "format", "text", "output format for stats: text or msgpack")
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flagDevice == "" {
		fmt.Fprintln(os.Stderr, "diskctl: -device is required")
		os.Exit(2)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cmd := args[0]
	var err error
	switch cmd {
	case "init":
		err = runInit()
	case "open":
		err = runOpen()
	case "put":
		err = runPut()
	case "get":
		err = runGet()
	case "checkpoint":
		err = runCheckpoint()
	case "stats":
		err = runStats()
	default:
		fmt.Fprintf(os.Stderr, "diskctl: unknown subcommand %q\n", cmd)
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "diskctl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `diskctl - inspect and drive a corestore block device

Usage:
  diskctl -device <path> [flags] <subcommand>

Subcommands:
  init        format a new device and exit
  open        open an existing device, run recovery if needed, shut down cleanly
  put         write -data at -sector/-offset within a transaction and commit it
  get         read one sector and print it
  checkpoint  open the device and force a checkpoint
  stats       open the device and print cache + WAL counters (-format text|msgpack)

Flags:
`)
	flag.PrintDefaults()
}

func openDevice() (*blockdev.DiskDevice, error) {
	dev, err := blockdev.OpenDisk(flagDevice, uint32(flagSectors))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", flagDevice, err)
	}
	return dev, nil
}

func runInit() error {
	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	c := cache.New(dev)
	defer c.Close()
	m := wal.New(dev, c)

	if err := m.Init(true); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	fmt.Printf("formatted %s (%d sectors)\n", flagDevice, flagSectors)
	return nil
}

func runOpen() error {
	dev, c, m, err := openSession()
	if err != nil {
		return err
	}
	defer dev.Close()
	defer c.Close()

	if rs := m.LastRecovery(); rs.RecordsScanned > 0 {
		fmt.Printf("recovery: scanned=%d winners=%d losers=%d\n", rs.RecordsScanned, rs.Winners, rs.Losers)
	}

	if err := m.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("opened and cleanly shut down")
	return nil
}

func openSession() (*blockdev.DiskDevice, *cache.Cache, *wal.Manager, error) {
	dev, err := openDevice()
	if err != nil {
		return nil, nil, nil, err
	}
	c := cache.New(dev)
	m := wal.New(dev, c)
	if err := m.Init(false); err != nil {
		c.Close()
		dev.Close()
		return nil, nil, nil, fmt.Errorf("init: %w", err)
	}
	return dev, c, m, nil
}

func runPut() error {
	dev, c, m, err := openSession()
	if err != nil {
		return err
	}
	defer dev.Close()
	defer c.Close()

	payload := []byte(flagData)
	if len(payload) == 0 {
		return fmt.Errorf("put requires -data")
	}

	txn := m.TxnBegin()
	ok, err := m.Mutate(txn, uint32(flagSector), payload, int(flagOffset), len(payload))
	if err != nil {
		return fmt.Errorf("mutate: %w", err)
	}
	if !ok {
		return fmt.Errorf("log ring full; could not accept write")
	}
	if !m.TxnCommit(txn) {
		return fmt.Errorf("commit failed")
	}
	if err := m.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Printf("wrote %d bytes to sector %d offset %d\n", len(payload), flagSector, flagOffset)
	return nil
}

func runGet() error {
	dev, c, m, err := openSession()
	if err != nil {
		return err
	}
	defer dev.Close()
	defer c.Close()

	buf := make([]byte, blockdev.SectorSize)
	if err := c.Read(uint32(flagSector), buf); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	fmt.Printf("%q\n", buf)

	return m.Shutdown()
}

func runCheckpoint() error {
	dev, c, m, err := openSession()
	if err != nil {
		return err
	}
	defer dev.Close()
	defer c.Close()

	if !m.Checkpoint() {
		return fmt.Errorf("checkpoint did not complete")
	}
	fmt.Printf("checkpoint complete, checkpoint_lsn=%d\n", m.CheckpointLSN())
	return m.Shutdown()
}

type report struct {
	Cache cache.Stats `msgpack:"cache" json:"cache"`
	WAL   wal.Stats   `msgpack:"wal" json:"wal"`
}

func runStats() error {
	dev, c, m, err := openSession()
	if err != nil {
		return err
	}
	defer dev.Close()
	defer c.Close()

	r := report{Cache: c.Stats(), WAL: m.GetStats()}

	switch flagFormat {
	case "msgpack":
		buf, err := msgpack.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal msgpack: %w", err)
		}
		os.Stdout.Write(buf)
		fmt.Println()
	case "text":
		fmt.Printf("cache: %s\n", r.Cache)
		fmt.Printf("wal:   %+v\n", r.WAL)
	default:
		buf, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		fmt.Println(string(buf))
	}

	return m.Shutdown()
}
