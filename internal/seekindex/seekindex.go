// Package seekindex implements the sparse per-segment seek index: a
// header carrying the segment's seq/timestamp bounds followed by
// {seq, timestamp_ns, offset} entries emitted every stride records,
// published atomically via temp+rename.
package seekindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/natefinch/atomic"
)

const (
	// Magic identifies a seek-index file.
	Magic uint32 = 0x53494458 // "SIDX"
	// Version is the current on-disk format version.
	Version uint32 = 1
	// DefaultStride is the number of records between sparse entries.
	DefaultStride = 4096

	headerSize = 48
	entrySize  = 24
)

// Entry is one sparse sample: the record at Seq had timestamp TimestampNs
// and starts at byte Offset within its segment.
type Entry struct {
	Seq         uint64
	TimestampNs int64
	Offset      uint64
}

// Header describes a segment's seek index bounds.
type Header struct {
	SegmentID  uint32
	Stride     uint32
	MinSeq     uint64
	MaxSeq     uint64
	MinTS      int64
	MaxTS      int64
	EntryCount uint32
}

// Index is a loaded, immutable seek index for one sealed or in-progress
// segment.
type Index struct {
	Header  Header
	Entries []Entry
}

// Builder accumulates sparse entries as the writer appends records, one
// every Stride records, and flushes the full index atomically.
type Builder struct {
	segmentID uint32
	stride    uint32
	count     uint32
	minSeq    uint64
	maxSeq    uint64
	minTS     int64
	maxTS     int64
	entries   []Entry
}

// NewBuilder returns a Builder for segmentID using stride (DefaultStride
// if zero).
func NewBuilder(segmentID uint32, stride uint32) *Builder {
	if stride == 0 {
		stride = DefaultStride
	}
	return &Builder{segmentID: segmentID, stride: stride}
}

// Observe records one appended entry. Only every stride-th call since the
// last sample is retained as a sparse entry; all calls update the
// running min/max bounds.
func (b *Builder) Observe(seq uint64, tsNs int64, offset uint64) {
	if b.count == 0 {
		b.minSeq, b.maxSeq = seq, seq
		b.minTS, b.maxTS = tsNs, tsNs
	} else {
		if seq < b.minSeq {
			b.minSeq = seq
		}
		if seq > b.maxSeq {
			b.maxSeq = seq
		}
		if tsNs < b.minTS {
			b.minTS = tsNs
		}
		if tsNs > b.maxTS {
			b.maxTS = tsNs
		}
	}
	if b.count%b.stride == 0 {
		b.entries = append(b.entries, Entry{Seq: seq, TimestampNs: tsNs, Offset: offset})
	}
	b.count++
}

// Reset clears the builder for reuse against a new segment, called after
// each roll.
func (b *Builder) Reset(segmentID uint32) {
	b.segmentID = segmentID
	b.count = 0
	b.minSeq, b.maxSeq = 0, 0
	b.minTS, b.maxTS = 0, 0
	b.entries = b.entries[:0]
}

// Flush atomically publishes the accumulated index to root as
// NNNNNNNNN.q.idx via a temp file + rename.
func (b *Builder) Flush(root string) error {
	h := Header{
		SegmentID:  b.segmentID,
		Stride:     b.stride,
		MinSeq:     b.minSeq,
		MaxSeq:     b.maxSeq,
		MinTS:      b.minTS,
		MaxTS:      b.maxTS,
		EntryCount: uint32(len(b.entries)),
	}
	buf := encode(h, b.entries)
	path := Path(root, b.segmentID)
	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("seekindex: flush %s: %w", path, err)
	}
	return nil
}

func encode(h Header, entries []Entry) []byte {
	buf := make([]byte, headerSize+entrySize*len(entries))
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], Version)
	binary.LittleEndian.PutUint32(buf[8:], h.SegmentID)
	binary.LittleEndian.PutUint32(buf[12:], h.Stride)
	binary.LittleEndian.PutUint64(buf[16:], h.MinSeq)
	binary.LittleEndian.PutUint64(buf[24:], h.MaxSeq)
	binary.LittleEndian.PutUint64(buf[32:], uint64(h.MinTS))
	binary.LittleEndian.PutUint32(buf[40:], h.EntryCount)
	// bytes 44..48 reserved
	off := headerSize
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], e.Seq)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(e.TimestampNs))
		binary.LittleEndian.PutUint64(buf[off+16:], e.Offset)
		off += entrySize
	}
	// MaxTS is not stored directly; Load derives it from the last entry
	// (or MinTS, for an empty index) to keep the header at 48 bytes.
	return buf
}

// Path returns the seek-index file path for segmentID under root.
func Path(root string, segmentID uint32) string {
	return fmt.Sprintf("%s/%09d.q.idx", root, segmentID)
}

// Load parses a seek index from its raw file contents.
func Load(raw []byte) (*Index, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("seekindex: truncated header (%d bytes)", len(raw))
	}
	magic := binary.LittleEndian.Uint32(raw[0:])
	if magic != Magic {
		return nil, fmt.Errorf("seekindex: bad magic %#x", magic)
	}
	h := Header{
		SegmentID:  binary.LittleEndian.Uint32(raw[8:]),
		Stride:     binary.LittleEndian.Uint32(raw[12:]),
		MinSeq:     binary.LittleEndian.Uint64(raw[16:]),
		MaxSeq:     binary.LittleEndian.Uint64(raw[24:]),
		MinTS:      int64(binary.LittleEndian.Uint64(raw[32:])),
		EntryCount: binary.LittleEndian.Uint32(raw[40:]),
	}
	want := headerSize + entrySize*int(h.EntryCount)
	if len(raw) < want {
		return nil, fmt.Errorf("seekindex: truncated entries: have %d want %d", len(raw), want)
	}
	entries := make([]Entry, h.EntryCount)
	off := headerSize
	for i := range entries {
		entries[i] = Entry{
			Seq:         binary.LittleEndian.Uint64(raw[off:]),
			TimestampNs: int64(binary.LittleEndian.Uint64(raw[off+8:])),
			Offset:      binary.LittleEndian.Uint64(raw[off+16:]),
		}
		off += entrySize
	}
	if len(entries) > 0 {
		h.MaxTS = entries[len(entries)-1].TimestampNs
		if h.MaxTS < h.MinTS {
			h.MaxTS = h.MinTS
		}
	} else {
		h.MaxTS = h.MinTS
	}
	return &Index{Header: h, Entries: entries}, nil
}

// SeekSeq returns the byte offset of the sparse entry at or immediately
// before seq, and true if seq falls within [MinSeq, MaxSeq].
func (idx *Index) SeekSeq(seq uint64) (offset uint64, ok bool) {
	if len(idx.Entries) == 0 || seq < idx.Header.MinSeq || seq > idx.Header.MaxSeq {
		return 0, false
	}
	entries := idx.Entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Seq > seq })
	if i == 0 {
		return entries[0].Offset, true
	}
	return entries[i-1].Offset, true
}

// SeekTimestamp returns the byte offset of the sparse entry at or
// immediately before tsNs, and true if tsNs falls within [MinTS, MaxTS].
func (idx *Index) SeekTimestamp(tsNs int64) (offset uint64, ok bool) {
	if len(idx.Entries) == 0 || tsNs < idx.Header.MinTS || tsNs > idx.Header.MaxTS {
		return 0, false
	}
	entries := idx.Entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].TimestampNs > tsNs })
	if i == 0 {
		return entries[0].Offset, true
	}
	return entries[i-1].Offset, true
}

// SelectSegmentForSeq picks the segment whose [MinSeq, MaxSeq] bracket
// contains seq, or, failing that, the last segment whose MaxSeq < seq
// (so a seek past the tail lands just before the live segment). headers
// must be sorted ascending by SegmentID / sequence range.
func SelectSegmentForSeq(headers []Header, seq uint64) (uint32, bool) {
	var fallback uint32
	haveFallback := false
	for _, h := range headers {
		if seq >= h.MinSeq && seq <= h.MaxSeq {
			return h.SegmentID, true
		}
		if h.MaxSeq < seq {
			fallback = h.SegmentID
			haveFallback = true
		}
	}
	return fallback, haveFallback
}

// SelectSegmentForTimestamp picks the segment whose [MinTS, MaxTS]
// bracket contains tsNs, or the last segment whose MaxTS < tsNs.
func SelectSegmentForTimestamp(headers []Header, tsNs int64) (uint32, bool) {
	var fallback uint32
	haveFallback := false
	for _, h := range headers {
		if tsNs >= h.MinTS && tsNs <= h.MaxTS {
			return h.SegmentID, true
		}
		if h.MaxTS < tsNs {
			fallback = h.SegmentID
			haveFallback = true
		}
	}
	return fallback, haveFallback
}
