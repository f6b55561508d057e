package blockdev

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrDeviceLocked is returned by OpenDisk when another session already
// holds the advisory exclusive lock on the backing file. The Design
// Notes say at most one instance per block device exists in a session;
// this turns that invariant into something enforced rather than assumed.
var ErrDeviceLocked = fmt.Errorf("blockdev: device already locked by another session")

// DiskDevice is a file-backed Device of fixed sector count.
type DiskDevice struct {
	mu      sync.RWMutex
	file    *os.File
	sectors uint32
}

// OpenDisk opens or creates a file-backed device with the given sector
// count. If the file already exists it must be exactly sectors*SectorSize
// bytes; a mismatch is an error rather than a silent truncate/extend,
// since shrinking would destroy data the WAL or cache believes durable.
func OpenDisk(path string, sectors uint32) (*DiskDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrDeviceLocked
		}
		return nil, fmt.Errorf("blockdev: lock %s: %w", path, err)
	}

	wantSize := int64(sectors) * SectorSize
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("blockdev: stat %s: %w", path, err)
	}

	switch {
	case stat.Size() == 0:
		if err := file.Truncate(wantSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("blockdev: grow %s: %w", path, err)
		}
	case stat.Size() != wantSize:
		file.Close()
		return nil, fmt.Errorf("blockdev: %s has %d bytes, want %d for %d sectors", path, stat.Size(), wantSize, sectors)
	}

	return &DiskDevice{file: file, sectors: sectors}, nil
}

func (d *DiskDevice) ReadSector(secNo uint32, out []byte) error {
	if err := checkBuf(out); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.file == nil {
		return ErrClosed
	}
	if err := checkSector(secNo, d.sectors); err != nil {
		return err
	}

	n, err := d.file.ReadAt(out, int64(secNo)*SectorSize)
	if err != nil {
		return fmt.Errorf("blockdev: read sector %d: %w", secNo, err)
	}
	if n != SectorSize {
		return ErrShortIO
	}
	return nil
}

func (d *DiskDevice) WriteSector(secNo uint32, in []byte) error {
	if err := checkBuf(in); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return ErrClosed
	}
	if err := checkSector(secNo, d.sectors); err != nil {
		return err
	}

	n, err := d.file.WriteAt(in, int64(secNo)*SectorSize)
	if err != nil {
		return fmt.Errorf("blockdev: write sector %d: %w", secNo, err)
	}
	if n != SectorSize {
		return ErrShortIO
	}
	return nil
}

func (d *DiskDevice) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.file == nil {
		return ErrClosed
	}
	return d.file.Sync()
}

func (d *DiskDevice) SectorCount() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sectors
}

func (d *DiskDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}

	// Best-effort: release the advisory lock before closing. Closing the
	// fd releases it too, but being explicit documents the intent.
	_ = unix.Flock(int(d.file.Fd()), unix.LOCK_UN)

	err := d.file.Close()
	d.file = nil
	return err
}
