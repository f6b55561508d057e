package wal

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleRecord() *Record {
	r := &Record{
		LSN:      42,
		Type:     RecWrite,
		TxnID:    7,
		SectorNo: 123,
		Offset:   10,
		Length:   5,
	}
	copy(r.OldData[:], "hello")
	copy(r.NewData[:], "world")
	return r
}

func TestRecordRoundTrip(t *testing.T) {
	want := sampleRecord()
	got, err := Decode(Encode(want))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordEncodeDeterministic(t *testing.T) {
	r := sampleRecord()
	if cmp.Diff(Encode(r), Encode(r)) != "" {
		t.Error("Encode is not deterministic for identical input")
	}
}

func TestRecordEncodeSizeIsOneSector(t *testing.T) {
	if got := len(Encode(sampleRecord())); got != 512 {
		t.Errorf("encoded record is %d bytes, want 512", got)
	}
}

func TestRecordDecodeCorrupt(t *testing.T) {
	buf := Encode(sampleRecord())
	buf[newDataOff] ^= 0xFF // flip a byte inside new_data

	if _, err := Decode(buf); err != ErrRecordCorrupt {
		t.Errorf("expected ErrRecordCorrupt, got %v", err)
	}
}

func TestRecordDecodeEmptyLSN(t *testing.T) {
	r := sampleRecord()
	r.LSN = 0
	buf := Encode(r)

	if _, err := Decode(buf); err != ErrRecordEmpty {
		t.Errorf("expected ErrRecordEmpty for lsn==0, got %v", err)
	}
}

func TestRecordDecodeInvalidType(t *testing.T) {
	buf := make([]byte, 512)
	// lsn=1, type=0xFF (never valid), rest zero; checksum deliberately wrong.
	buf[0] = 1
	buf[8] = 0xFF

	if _, err := Decode(buf); err != ErrRecordEmpty {
		t.Errorf("expected ErrRecordEmpty for unrecognized type, got %v", err)
	}
}

func TestRecordDecodeWrongLength(t *testing.T) {
	if _, err := Decode(make([]byte, 100)); err != ErrRecordEmpty {
		t.Errorf("expected ErrRecordEmpty for short buffer, got %v", err)
	}
}

func TestMaxDataBoundaries(t *testing.T) {
	if MaxData != 242 {
		t.Fatalf("MaxData = %d, want 242 (this test documents the arithmetic, not a requirement)", MaxData)
	}
}
