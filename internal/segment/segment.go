// Package segment implements segment naming, the segment header, sealing,
// temp-then-publish creation, and prefaulting described in the queue's
// segment store component. A segment is a fixed-size, 64-byte-aligned
// memory-mapped file holding a dense run of records.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chronicle-db/chronicle/internal/header"
	"github.com/chronicle-db/chronicle/internal/mmapfile"
)

// HeaderSize is the fixed size of the segment header; the data region
// begins immediately after it.
const HeaderSize = 64

// Magic identifies a segment file: "SEG0" read as a little-endian uint32.
const Magic uint32 = 0x53454730

// Version is the current on-disk segment format version.
const Version uint32 = 1

// SealedFlag marks a segment as immutable once set in the header.
const SealedFlag uint32 = 1 << 0

var (
	ErrAlreadyExists = errors.New("segment: already exists")
	ErrNotFound      = errors.New("segment: not found")
	ErrInvalid       = errors.New("segment: invalid")
)

// Header is the decoded segment header (bytes 0..63 of the file).
type Header struct {
	Magic     uint32
	Version   uint32
	SegmentID uint32
	Flags     uint32
}

func (h Header) Sealed() bool { return h.Flags&SealedFlag != 0 }

// WriteHeader serializes h into buf[0:HeaderSize].
func WriteHeader(buf []byte, h Header) {
	_ = buf[:HeaderSize]
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], h.SegmentID)
	binary.LittleEndian.PutUint32(buf[12:], h.Flags)
	for i := 16; i < HeaderSize; i++ {
		buf[i] = 0
	}
}

// ReadHeader parses and validates the segment header at buf[0:HeaderSize].
func ReadHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short segment header", ErrInvalid)
	}
	h := Header{
		Magic:     binary.LittleEndian.Uint32(buf[0:]),
		Version:   binary.LittleEndian.Uint32(buf[4:]),
		SegmentID: binary.LittleEndian.Uint32(buf[8:]),
		Flags:     binary.LittleEndian.Uint32(buf[12:]),
	}
	if h.Magic != Magic {
		return h, fmt.Errorf("%w: bad magic %x", ErrInvalid, h.Magic)
	}
	return h, nil
}

// ValidateSize returns n if it is an addressable segment size (at least one
// header plus one minimal record), else an error.
func ValidateSize(n int64) (int64, error) {
	min := int64(HeaderSize + header.Size)
	if n < min {
		return 0, fmt.Errorf("%w: segment size %d below minimum %d", ErrInvalid, n, min)
	}
	return n, nil
}

// Name returns the zero-padded 9-digit base name for a segment id, without
// extension.
func Name(id uint32) string {
	return fmt.Sprintf("%09d", id)
}

func finalPath(root string, id uint32) string {
	return filepath.Join(root, Name(id)+".q")
}

func tempPath(root string, id uint32) string {
	return filepath.Join(root, Name(id)+".q.tmp")
}

// IndexPath returns the path of the seek index file for a segment id.
func IndexPath(root string, id uint32) string {
	return filepath.Join(root, Name(id)+".q.idx")
}

// Segment is an open, mapped segment file.
type Segment struct {
	ID   uint32
	Size int64
	path string
	mm   *mmapfile.File
}

// Data returns the mutable record region (everything after the header).
func (s *Segment) Data() []byte {
	return s.mm.Slice(HeaderSize, int(s.Size)-HeaderSize)
}

// Bytes returns the full mapped region including the header.
func (s *Segment) Bytes() []byte {
	return s.mm.Bytes()
}

// Header reads the current on-disk segment header.
func (s *Segment) Header() (Header, error) {
	return ReadHeader(s.mm.Bytes())
}

// Sealed reports whether the SEALED flag is currently set.
func (s *Segment) Sealed() bool {
	h, err := s.Header()
	if err != nil {
		return false
	}
	return h.Sealed()
}

// Seal sets the SEALED flag in the header. Idempotent: sealing an already
// sealed segment is a no-op that still succeeds.
func (s *Segment) Seal() error {
	h, err := s.Header()
	if err != nil {
		return err
	}
	if h.Sealed() {
		return nil
	}
	h.Flags |= SealedFlag
	WriteHeader(s.mm.Bytes(), h)
	return nil
}

// Sync durably flushes the mapped pages and the file metadata.
func (s *Segment) Sync() error {
	if err := s.mm.FlushSync(); err != nil {
		return err
	}
	return s.mm.Sync()
}

// Lock pins the segment's pages in RAM (best-effort).
func (s *Segment) Lock() error {
	return s.mm.Lock()
}

// Close unmaps the segment.
func (s *Segment) Close() error {
	return s.mm.Close()
}

// Path returns the segment's current on-disk path.
func (s *Segment) Path() string {
	return s.path
}

// Store manages segment files within a single queue directory.
type Store struct {
	root        string
	segmentSize int64
}

// NewStore builds a Store rooted at root for segments of segmentSize bytes.
func NewStore(root string, segmentSize int64) *Store {
	return &Store{root: root, segmentSize: segmentSize}
}

// Create makes a new, final (non-temp) segment file. Fails ErrAlreadyExists
// if one is already present.
func (st *Store) Create(id uint32) (*Segment, error) {
	path := finalPath(st.root, id)
	mm, err := mmapfile.CreateNew(path, st.segmentSize)
	if err != nil {
		if os.IsExist(errors.Unwrap(err)) {
			return nil, fmt.Errorf("%w: segment %d", ErrAlreadyExists, id)
		}
		return nil, err
	}
	WriteHeader(mm.Bytes(), Header{Magic: Magic, Version: Version, SegmentID: id})
	return &Segment{ID: id, Size: st.segmentSize, path: path, mm: mm}, nil
}

// Open maps an existing final segment file, validating its header.
func (st *Store) Open(id uint32) (*Segment, error) {
	path := finalPath(st.root, id)
	mm, err := mmapfile.Open(path)
	if err != nil {
		if os.IsNotExist(errors.Unwrap(err)) {
			return nil, fmt.Errorf("%w: segment %d", ErrNotFound, id)
		}
		return nil, err
	}
	h, err := ReadHeader(mm.Bytes())
	if err != nil {
		mm.Close()
		return nil, err
	}
	if h.SegmentID != id {
		mm.Close()
		return nil, fmt.Errorf("%w: segment id mismatch, file says %d want %d", ErrInvalid, h.SegmentID, id)
	}
	if int64(mm.Len()) != st.segmentSize {
		mm.Close()
		return nil, fmt.Errorf("%w: segment %d size %d != configured %d", ErrInvalid, id, mm.Len(), st.segmentSize)
	}
	return &Segment{ID: id, Size: st.segmentSize, path: path, mm: mm}, nil
}

// OpenOrCreate opens the segment if it exists, else creates it.
func (st *Store) OpenOrCreate(id uint32) (*Segment, error) {
	seg, err := st.Open(id)
	if errors.Is(err, ErrNotFound) {
		return st.Create(id)
	}
	return seg, err
}

// PrepareTemp creates "<id>.q.tmp", writes its header, and prefaults every
// data page so the first writes after publish never stall on demand-paging.
func (st *Store) PrepareTemp(id uint32) (*Segment, error) {
	path := tempPath(st.root, id)
	mm, err := mmapfile.CreateNew(path, st.segmentSize)
	if err != nil {
		return nil, err
	}
	WriteHeader(mm.Bytes(), Header{Magic: Magic, Version: Version, SegmentID: id})
	prefault(mm.Bytes())
	return &Segment{ID: id, Size: st.segmentSize, path: path, mm: mm}, nil
}

const pageSize = 4096

// prefault writes one zero byte per page from page 1 (the first data page,
// page 0 holds the header) to the end of buf, forcing physical allocation
// so subsequent writes don't stall on a page fault.
func prefault(buf []byte) {
	for off := pageSize; off < len(buf); off += pageSize {
		buf[off] = 0
	}
	if len(buf) > 0 {
		buf[len(buf)-1] = buf[len(buf)-1]
	}
}

// Publish renames a temp segment into its final, published name. It checks
// that the final name does not exist yet and then does a plain rename; no
// no-replace rename is used, so a file created under the final name between
// the check and the rename is replaced.
func (st *Store) Publish(tmp *Segment) (*Segment, error) {
	final := finalPath(st.root, tmp.ID)
	if _, err := os.Stat(final); err == nil {
		return nil, fmt.Errorf("%w: segment %d", ErrAlreadyExists, tmp.ID)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.Rename(tmp.path, final); err != nil {
		return nil, fmt.Errorf("segment: publish rename %s -> %s: %w", tmp.path, final, err)
	}
	tmp.path = final
	return tmp, nil
}

// Delete removes a published segment file. Never called on the current
// (head) segment by design — callers (retention) must enforce that.
func (st *Store) Delete(id uint32) error {
	err := os.Remove(finalPath(st.root, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("segment: delete %d: %w", id, err)
	}
	return nil
}

// Discover lists the ids of all published (".q") segments in root, in
// ascending order.
func (st *Store) Discover() ([]uint32, error) {
	return Discover(st.root)
}

// Discover is the free-function form of Store.Discover, usable by packages
// (retention) that only need directory scanning, not a full Store.
func Discover(root string) ([]uint32, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("segment: discover %s: %w", root, err)
	}
	var ids []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".q") || e.IsDir() {
			continue
		}
		base := strings.TrimSuffix(name, ".q")
		n, err := strconv.ParseUint(base, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// RepairUnsealedTail walks forward through committed records in an unsealed
// segment, stopping at the first uncommitted or malformed slot. If there's
// enough room left, it writes one trailing padding record covering the rest
// of the segment (down to a multiple of the header size) so the segment has
// no half-written region, then seals it. It returns the offset, relative to
// the start of the data region, at which the committed records end (before
// any padding record was added).
func (s *Segment) RepairUnsealedTail() (tailOffset int, err error) {
	data := s.Data()
	offset := 0
	for offset+header.Size <= len(data) {
		hdr := data[offset : offset+header.Size]
		commit := header.LoadCommitWord(hdr)
		if commit == 0 {
			break
		}
		payloadLen, err := header.PayloadLenFromCommit(commit)
		if err != nil {
			break
		}
		recLen := header.RecordLen(payloadLen)
		if offset+recLen > len(data) {
			break
		}
		offset += recLen
	}
	tailOffset = offset

	remaining := len(data) - offset
	if remaining >= header.Size {
		padLen := remaining - remaining%header.Size - header.Size
		padCommit, _ := header.CommitLenForPayload(padLen)
		h := header.NewUncommitted(0, 0, header.PaddingTypeID, 0, header.CRC32(nil))
		rec := data[offset : offset+header.Size]
		h.WriteTo(rec)
		header.StoreCommitWord(rec, padCommit)
	}

	return tailOffset, s.Seal()
}
