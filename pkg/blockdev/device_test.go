package blockdev

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestMemDeviceReadWrite(t *testing.T) {
	dev := NewMemDevice(4)
	defer dev.Close()

	want := bytes.Repeat([]byte{0xAB}, SectorSize)
	if err := dev.WriteSector(2, want); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}

	got := make([]byte, SectorSize)
	if err := dev.ReadSector(2, got); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadSector returned %x, want %x", got[:4], want[:4])
	}
}

func TestMemDeviceInvalidSector(t *testing.T) {
	dev := NewMemDevice(4)
	defer dev.Close()

	buf := make([]byte, SectorSize)
	if err := dev.ReadSector(4, buf); err != ErrInvalidSector {
		t.Errorf("expected ErrInvalidSector, got %v", err)
	}
}

func TestMemDeviceShortBuffer(t *testing.T) {
	dev := NewMemDevice(4)
	defer dev.Close()

	if err := dev.WriteSector(0, make([]byte, 10)); err != ErrShortIO {
		t.Errorf("expected ErrShortIO, got %v", err)
	}
}

func TestMemDeviceClosed(t *testing.T) {
	dev := NewMemDevice(4)
	dev.Close()

	buf := make([]byte, SectorSize)
	if err := dev.ReadSector(0, buf); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestDiskDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.img")

	dev, err := OpenDisk(path, 8)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	defer dev.Close()

	want := bytes.Repeat([]byte{0xCD}, SectorSize)
	if err := dev.WriteSector(5, want); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	if err := dev.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got := make([]byte, SectorSize)
	if err := dev.ReadSector(5, got); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadSector mismatch")
	}
}

func TestDiskDeviceExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.img")

	dev1, err := OpenDisk(path, 8)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	defer dev1.Close()

	if _, err := OpenDisk(path, 8); err != ErrDeviceLocked {
		t.Errorf("expected ErrDeviceLocked for concurrent open, got %v", err)
	}
}

func TestDiskDeviceSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.img")

	dev, err := OpenDisk(path, 8)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	dev.Close()

	if _, err := OpenDisk(path, 16); err == nil {
		t.Error("expected size-mismatch error reopening with different sector count")
	}
}

func TestDiskDevicePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.img")

	dev, err := OpenDisk(path, 4)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	want := bytes.Repeat([]byte{0x42}, SectorSize)
	if err := dev.WriteSector(1, want); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dev2, err := OpenDisk(path, 4)
	if err != nil {
		t.Fatalf("reopen OpenDisk: %v", err)
	}
	defer dev2.Close()

	got := make([]byte, SectorSize)
	if err := dev2.ReadSector(1, got); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("data did not persist across reopen")
	}
}
