// Package header implements the 64-byte record header framing described in
// the queue's data model: a leading atomic commit word gates visibility of
// everything else in the record, with release-store/acquire-load as the
// sole synchronization point between writer and reader.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"unsafe"
)

// Size is the fixed size in bytes of every record header.
const Size = 64

// MaxPayload is the largest payload a single record may carry: 2^32 - 2,
// so that payload_len + 1 never overflows a uint32 commit word and never
// collides with the reserved "uncommitted" value of 0.
const MaxPayload = uint32(1<<32 - 2)

// PaddingTypeID marks a record as a padding record: emitted only during
// recovery to fill an unsealed segment's tail, and always skipped by
// readers.
const PaddingTypeID uint16 = 0xFFFF

// Field byte offsets within the 64-byte header. The 4 bytes at offset 4 are
// reserved padding purely for alignment of the following uint64 fields;
// nothing reads or writes them except to keep them zeroed.
const (
	offCommitWord  = 0
	offReserved1   = 4
	offSeq         = 8
	offTimestampNs = 16
	offTypeID      = 24
	offFlags       = 26
	offCRC32       = 28
	offReservedTl  = 32 // 32 bytes, zero to end of header
)

var ErrPayloadTooLarge = errors.New("header: payload too large")
var ErrCorrupt = errors.New("header: corrupt")

// castagnoli is the CRC-32C table (polynomial 0x1EDC6F41). crc32.Checksum
// with this table computes the standard reflected CRC-32C, with initial value
// and final XOR of 0xFFFFFFFF (check value 0xE3069283 for "123456789").
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func init() {
	// The commit-word atomics below assume a record header begins at an
	// 8-byte-aligned offset within the mapping (true for every record since
	// segments are 64-byte aligned throughout and headers are always
	// Size==64 bytes). This is a compile-time-ish sanity check of the
	// constant itself, not of any particular mapping.
	if Size%8 != 0 {
		panic("header: Size must be a multiple of 8 for atomic access")
	}
}

// Header is the decoded, in-memory form of a record header.
type Header struct {
	Seq         uint64
	TimestampNs int64
	TypeID      uint16
	Flags       uint16
	CRC32       uint32
}

// NewUncommitted builds a Header ready to be serialized; CommitLen is
// computed and stored separately by the caller via StoreCommitWord, which
// must happen strictly after the payload and the rest of the header are
// written (release ordering is the caller's responsibility, enforced by
// using StoreCommitWord rather than a plain write).
func NewUncommitted(seq uint64, tsNs int64, typeID uint16, flags uint16, crc uint32) Header {
	return Header{Seq: seq, TimestampNs: tsNs, TypeID: typeID, Flags: flags, CRC32: crc}
}

// CommitLenForPayload converts a payload length into the commit-word value
// that marks it published.
func CommitLenForPayload(payloadLen int) (uint32, error) {
	if payloadLen < 0 || uint64(payloadLen) > uint64(MaxPayload) {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}
	return uint32(payloadLen) + 1, nil
}

// PayloadLenFromCommit recovers the payload length encoded in a nonzero
// commit word. A commit word of 0 means "uncommitted" and is always a
// caller bug to pass here.
func PayloadLenFromCommit(commit uint32) (int, error) {
	if commit == 0 {
		return 0, fmt.Errorf("%w: commit word is zero (uncommitted)", ErrCorrupt)
	}
	return int(commit - 1), nil
}

// CRC32 computes the payload checksum used by the record's crc32 field.
func CRC32(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}

// WriteTo serializes the header fields (except the commit word, which the
// caller must store last via StoreCommitWord) into buf[0:Size].
func (h Header) WriteTo(buf []byte) {
	_ = buf[:Size] // bounds check hint
	binary.LittleEndian.PutUint32(buf[offReserved1:], 0)
	binary.LittleEndian.PutUint64(buf[offSeq:], h.Seq)
	binary.LittleEndian.PutUint64(buf[offTimestampNs:], uint64(h.TimestampNs))
	binary.LittleEndian.PutUint16(buf[offTypeID:], h.TypeID)
	binary.LittleEndian.PutUint16(buf[offFlags:], h.Flags)
	binary.LittleEndian.PutUint32(buf[offCRC32:], h.CRC32)
	for i := offReservedTl; i < Size; i++ {
		buf[i] = 0
	}
}

// ReadFrom decodes everything except the commit word from buf[0:Size]. The
// caller is expected to have already acquire-loaded the commit word and
// confirmed it is nonzero before trusting these bytes.
func ReadFrom(buf []byte) Header {
	_ = buf[:Size]
	return Header{
		Seq:         binary.LittleEndian.Uint64(buf[offSeq:]),
		TimestampNs: int64(binary.LittleEndian.Uint64(buf[offTimestampNs:])),
		TypeID:      binary.LittleEndian.Uint16(buf[offTypeID:]),
		Flags:       binary.LittleEndian.Uint16(buf[offFlags:]),
		CRC32:       binary.LittleEndian.Uint32(buf[offCRC32:]),
	}
}

// LoadCommitWord acquire-loads the commit word at the start of buf. This is
// the sole gate a reader may use to decide a record is visible.
func LoadCommitWord(buf []byte) uint32 {
	p := (*uint32)(unsafe.Pointer(&buf[offCommitWord]))
	return atomic.LoadUint32(p)
}

// StoreCommitWord release-stores the commit word at the start of buf. Must
// be called strictly after the payload and the rest of the header have been
// written; this is the append protocol's single linearization point.
func StoreCommitWord(buf []byte, commit uint32) {
	p := (*uint32)(unsafe.Pointer(&buf[offCommitWord]))
	atomic.StoreUint32(p, commit)
}

// AlignUp rounds n up to the next multiple of align (align must be a power
// of two).
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// RecordLen returns the total aligned on-disk length (header + payload +
// padding) of a record carrying a payload of the given length.
func RecordLen(payloadLen int) int {
	return AlignUp(Size+payloadLen, Size)
}
