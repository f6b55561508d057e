package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/teachos/corestore/pkg/blockdev"
)

// RecordType enumerates the kinds of log record.
type RecordType uint8

const (
	RecWrite      RecordType = 0x01
	RecCommit     RecordType = 0x02
	RecAbort      RecordType = 0x03
	RecCheckpoint RecordType = 0x04
)

func (t RecordType) valid() bool {
	switch t {
	case RecWrite, RecCommit, RecAbort, RecCheckpoint:
		return true
	default:
		return false
	}
}

func (t RecordType) String() string {
	switch t {
	case RecWrite:
		return "WRITE"
	case RecCommit:
		return "COMMIT"
	case RecAbort:
		return "ABORT"
	case RecCheckpoint:
		return "CHECKPOINT"
	default:
		return "INVALID"
	}
}

// Fixed header layout (little-endian):
//
//	lsn        u64   [0:8]
//	type       u8    [8:9]
//	pad        3B    [9:12]   (zero-filled)
//	txn_id     u32   [12:16]
//	sector_no  u32   [16:20]
//	offset     u16   [20:22]
//	length     u16   [22:24]
//	old_data   MaxData bytes  [24 : 24+MaxData]
//	new_data   MaxData bytes  [24+MaxData : 24+2*MaxData]
//	checksum   u32   [last 4 bytes]
//
// 24 bytes of fixed header plus 4 bytes of trailing checksum leaves
// 512-28 = 484 bytes for old_data+new_data, i.e. 242 bytes each.
const (
	headerSize   = 24
	checksumSize = 4
	// MaxData is the largest old/new payload a single record can carry.
	MaxData = (blockdev.SectorSize - headerSize - checksumSize) / 2

	oldDataOff = headerSize
	newDataOff = oldDataOff + MaxData
	checksumOff = newDataOff + MaxData
)

var (
	// ErrRecordEmpty is returned when a decoded record has lsn==0 or an
	// unrecognized type; recovery treats this as end-of-log, not a fault.
	ErrRecordEmpty = errors.New("wal: empty or invalid record")
	// ErrRecordCorrupt is returned when a decoded record's checksum does
	// not match; recovery treats this as end-of-log too.
	ErrRecordCorrupt = errors.New("wal: record checksum mismatch")
)

// Record is a single fixed-size log record; it always serializes to
// exactly blockdev.SectorSize bytes.
type Record struct {
	LSN      uint64
	Type     RecordType
	TxnID    uint32
	SectorNo uint32
	Offset   uint16
	Length   uint16
	OldData  [MaxData]byte
	NewData  [MaxData]byte
}

// Encode serializes r deterministically into a fresh SectorSize-byte slice.
func Encode(r *Record) []byte {
	buf := make([]byte, blockdev.SectorSize)

	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	buf[8] = byte(r.Type)
	// buf[9:12] stays zero (padding).
	binary.LittleEndian.PutUint32(buf[12:16], r.TxnID)
	binary.LittleEndian.PutUint32(buf[16:20], r.SectorNo)
	binary.LittleEndian.PutUint16(buf[20:22], r.Offset)
	binary.LittleEndian.PutUint16(buf[22:24], r.Length)
	copy(buf[oldDataOff:oldDataOff+MaxData], r.OldData[:])
	copy(buf[newDataOff:newDataOff+MaxData], r.NewData[:])

	sum := crc32.ChecksumIEEE(buf[:checksumOff])
	binary.LittleEndian.PutUint32(buf[checksumOff:checksumOff+checksumSize], sum)

	return buf
}

// Decode parses a SectorSize-byte slice into a Record. A checksum mismatch
// yields ErrRecordCorrupt; an lsn of 0 or an unrecognized type yields
// ErrRecordEmpty — both are "end of log" signals to recovery, not faults.
func Decode(buf []byte) (*Record, error) {
	if len(buf) != blockdev.SectorSize {
		return nil, ErrRecordEmpty
	}

	lsn := binary.LittleEndian.Uint64(buf[0:8])
	typ := RecordType(buf[8])
	if lsn == 0 || !typ.valid() {
		return nil, ErrRecordEmpty
	}

	wantSum := binary.LittleEndian.Uint32(buf[checksumOff : checksumOff+checksumSize])
	gotSum := crc32.ChecksumIEEE(buf[:checksumOff])
	if wantSum != gotSum {
		return nil, ErrRecordCorrupt
	}

	r := &Record{
		LSN:      lsn,
		Type:     typ,
		TxnID:    binary.LittleEndian.Uint32(buf[12:16]),
		SectorNo: binary.LittleEndian.Uint32(buf[16:20]),
		Offset:   binary.LittleEndian.Uint16(buf[20:22]),
		Length:   binary.LittleEndian.Uint16(buf[22:24]),
	}
	copy(r.OldData[:], buf[oldDataOff:oldDataOff+MaxData])
	copy(r.NewData[:], buf[newDataOff:newDataOff+MaxData])

	return r, nil
}
