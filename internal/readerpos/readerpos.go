// Package readerpos implements the 80-byte, double-buffered reader
// position file: each reader exclusively owns one file under readers/,
// writes its new position to the inactive slot, and fsyncs before trusting
// it durable. On recovery the slot with the highest valid-CRC generation
// wins.
package readerpos

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/natefinch/atomic"
)

// SlotSize is the size of one position slot.
const SlotSize = 40

// FileSize is the total size of a reader position file (two slots).
const FileSize = SlotSize * 2

var (
	ErrCorrupt  = errors.New("readerpos: corrupt")
	ErrNoValidSlot = errors.New("readerpos: no valid slot")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Position is the decoded content of one slot.
type Position struct {
	SegmentID   uint64
	Offset      uint64
	HeartbeatNs int64
	Generation  uint64
}

func decodeSlot(buf []byte) (Position, bool) {
	_ = buf[:SlotSize]
	p := Position{
		SegmentID:   binary.LittleEndian.Uint64(buf[0:]),
		Offset:      binary.LittleEndian.Uint64(buf[8:]),
		HeartbeatNs: int64(binary.LittleEndian.Uint64(buf[16:])),
		Generation:  binary.LittleEndian.Uint64(buf[24:]),
	}
	wantCRC := binary.LittleEndian.Uint32(buf[32:])
	gotCRC := crc32.Checksum(buf[0:32], crcTable)
	return p, wantCRC == gotCRC
}

func encodeSlot(buf []byte, p Position) {
	_ = buf[:SlotSize]
	binary.LittleEndian.PutUint64(buf[0:], p.SegmentID)
	binary.LittleEndian.PutUint64(buf[8:], p.Offset)
	binary.LittleEndian.PutUint64(buf[16:], uint64(p.HeartbeatNs))
	binary.LittleEndian.PutUint64(buf[24:], p.Generation)
	binary.LittleEndian.PutUint32(buf[32:], crc32.Checksum(buf[0:32], crcTable))
	binary.LittleEndian.PutUint32(buf[36:], 0)
}

// Load reads the position file at path and returns whichever slot has the
// highest generation among those whose CRC validates. Returns
// ErrNoValidSlot if the file exists but neither slot validates (distinct
// from os.IsNotExist, which callers handle separately per StartMode).
func Load(path string) (Position, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Position{}, err
	}
	if len(raw) != FileSize {
		return Position{}, fmt.Errorf("%w: %s has size %d, want %d", ErrCorrupt, path, len(raw), FileSize)
	}
	var best Position
	found := false
	for _, slot := range [][]byte{raw[0:SlotSize], raw[SlotSize:FileSize]} {
		p, ok := decodeSlot(slot)
		if !ok {
			continue
		}
		if !found || p.Generation > best.Generation {
			best = p
			found = true
		}
	}
	if !found {
		return Position{}, ErrNoValidSlot
	}
	return best, nil
}

// Save durably persists pos to the inactive slot of the position file at
// path, creating it if necessary. The target slot is always the one whose
// generation parity differs from the current winning slot, so this never
// overwrites the last known-good position until the new one is fsynced and
// renamed into place.
func Save(path string, pos Position) error {
	raw := make([]byte, FileSize)
	existing, err := os.ReadFile(path)
	if err == nil && len(existing) == FileSize {
		copy(raw, existing)
	}

	currentGen := uint64(0)
	if cur, err := Load(path); err == nil {
		currentGen = cur.Generation
	}
	pos.Generation = currentGen + 1
	targetIdx := int(pos.Generation % 2)

	encodeSlot(raw[targetIdx*SlotSize:targetIdx*SlotSize+SlotSize], pos)

	if err := atomic.WriteFile(path, byteReader(raw)); err != nil {
		return fmt.Errorf("readerpos: save %s: %w", path, err)
	}
	return fsync(path)
}

func byteReader(buf []byte) io.Reader {
	return bytes.NewReader(buf)
}

func fsync(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil // best-effort; atomic.WriteFile already renamed durably on most platforms
	}
	defer f.Close()
	return f.Sync()
}
