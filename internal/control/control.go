// Package control implements the shared, cache-line-padded control block
// that the writer and every reader map over control.meta: the writer's head
// position (guarded by a seqlock), its heartbeat, and the notify/waiters
// counters that back the reader parking protocol.
//
// The seqlock protocol here is the same one used by the aleph-tx shared
// memory BBO ring buffer: an even generation counter means quiescent, odd
// means an update is in flight, and readers retry on a torn read.
package control

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	natatomic "github.com/natefinch/atomic"

	"github.com/chronicle-db/chronicle/internal/mmapfile"
)

// Magic identifies a control block file: "CHRN" read little-endian.
const Magic uint32 = 0x4348524E

// Version is the current on-disk control block format version.
const Version uint32 = 1

const (
	InitPending uint32 = 1
	InitReady   uint32 = 2
)

// Size is the mapped size of control.meta. Hot writer-owned fields
// (segment_gen, current_segment, write_offset, heartbeat, notify_seq) sit
// in the first cache line group; waiters_pending, which every parking
// reader writes, is pushed onto its own line 128 bytes in so it never
// shares a line with the writer's hot fields.
const Size = 512

const (
	offMagic           = 0
	offVersion         = 4
	offInitState       = 8
	offSegmentSize     = 16
	offWriterEpoch     = 24
	offSegmentGen      = 32
	offCurrentSegment  = 40
	offWriteOffset     = 48
	offWriterHeartbeat = 56
	offNotifySeq       = 64
	offWaitersPending  = 128
)

// Block is a mapped control.meta.
type Block struct {
	mm *mmapfile.File
}

// Create writes a brand-new control.meta via temp-file-then-rename (so
// observation of the file is atomic to any concurrent opener), then maps
// it. init_state is left at InitPending until the caller calls Publish,
// matching the spec's two-phase "1 -> 2" startup handshake readers spin on.
func Create(path string, segmentSize int64, currentSegment uint32, writeOffset uint64, writerEpoch uint64) (*Block, error) {
	buf := make([]byte, Size)
	putUint32(buf, offMagic, Magic)
	putUint32(buf, offVersion, Version)
	putUint32(buf, offInitState, InitPending)
	putUint64(buf, offSegmentSize, uint64(segmentSize))
	putUint64(buf, offWriterEpoch, writerEpoch)
	putUint32(buf, offSegmentGen, 0)
	putUint64(buf, offCurrentSegment, uint64(currentSegment))
	putUint64(buf, offWriteOffset, writeOffset)
	putUint64(buf, offWriterHeartbeat, 0)
	putUint32(buf, offNotifySeq, 0)
	putUint32(buf, offWaitersPending, 0)

	if err := natatomic.WriteFile(path, bytesReader(buf)); err != nil {
		return nil, fmt.Errorf("control: create %s: %w", path, err)
	}
	b, err := Open(path)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Publish flips init_state from pending to ready, the last step of Create.
func (b *Block) Publish() {
	atomic.StoreUint32(b.ptr32(offInitState), InitReady)
}

// Open maps an existing control.meta.
func Open(path string) (*Block, error) {
	mm, err := mmapfile.Open(path)
	if err != nil {
		return nil, err
	}
	if mm.Len() != Size {
		mm.Close()
		return nil, fmt.Errorf("control: %s has size %d, want %d: %w", path, mm.Len(), Size, ErrCorruptMetadata)
	}
	return &Block{mm: mm}, nil
}

// WaitReady spins on init_state until it reaches InitReady or timeout
// elapses, then validates magic and version.
func (b *Block) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		state := atomic.LoadUint32(b.ptr32(offInitState))
		if state == InitReady {
			break
		}
		if timeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("control: timed out waiting for ready state")
		}
		time.Sleep(time.Microsecond)
	}
	magic := atomic.LoadUint32(b.ptr32(offMagic))
	if magic != Magic {
		return fmt.Errorf("control: bad magic %x: %w", magic, ErrCorruptMetadata)
	}
	version := atomic.LoadUint32(b.ptr32(offVersion))
	if version != Version {
		return &UnsupportedVersionError{Version: version}
	}
	return nil
}

// SegmentSize returns the queue's fixed segment size.
func (b *Block) SegmentSize() int64 {
	return int64(atomic.LoadUint64(b.ptr64(offSegmentSize)))
}

// WriterEpoch returns the current writer epoch.
func (b *Block) WriterEpoch() uint64 {
	return atomic.LoadUint64(b.ptr64(offWriterEpoch))
}

// IncWriterEpoch atomically increments and returns the new writer epoch,
// called once at every writer Open.
func (b *Block) IncWriterEpoch() uint64 {
	return atomic.AddUint64(b.ptr64(offWriterEpoch), 1)
}

// SegmentIndex is a seqlock-guarded read of the (current_segment,
// write_offset) pair: it retries until it observes an even generation
// before and after reading both fields.
func (b *Block) SegmentIndex() (segmentID uint32, writeOffset uint64) {
	genPtr := b.ptr32(offSegmentGen)
	for {
		g1 := atomic.LoadUint32(genPtr)
		if g1&1 != 0 {
			continue
		}
		seg := atomic.LoadUint64(b.ptr64(offCurrentSegment))
		off := atomic.LoadUint64(b.ptr64(offWriteOffset))
		g2 := atomic.LoadUint32(genPtr)
		if g1 == g2 {
			return uint32(seg), off
		}
	}
}

// SetSegmentIndex publishes a new (current_segment, write_offset) pair
// under the seqlock: bump the generation to odd, store both fields, bump
// back to even. Only the writer calls this, on open and on roll (the hot-path
// per-append offset bump uses StoreWriteOffset instead, per the spec's
// documented open question about write_offset's two update paths).
func (b *Block) SetSegmentIndex(segmentID uint32, writeOffset uint64) {
	genPtr := b.ptr32(offSegmentGen)
	atomic.AddUint32(genPtr, 1) // now odd: update in progress
	atomic.StoreUint64(b.ptr64(offCurrentSegment), uint64(segmentID))
	atomic.StoreUint64(b.ptr64(offWriteOffset), writeOffset)
	atomic.AddUint32(genPtr, 1) // now even: quiescent again
}

// CurrentSegmentHint is a plain (non-seqlock) read of current_segment, used
// by the reader's advance_segment fast path to decide, with no syscall,
// whether the writer has moved on. It is a hint: correctness never depends
// on it alone, only on the commit word and on actually opening the segment.
func (b *Block) CurrentSegmentHint() uint32 {
	return uint32(atomic.LoadUint64(b.ptr64(offCurrentSegment)))
}

// StoreWriteOffset plainly release-stores write_offset on the hot append
// path, without touching the seqlock generation. This is coherent on its
// own (a single aligned uint64 store/load) but, taken together with
// current_segment, is only a hint between rolls; see SegmentIndex for the
// consistent pair read.
func (b *Block) StoreWriteOffset(off uint64) {
	atomic.StoreUint64(b.ptr64(offWriteOffset), off)
}

// WriteOffsetHint plainly loads write_offset, paired with
// CurrentSegmentHint for a cheap (but potentially torn w.r.t. each other)
// snapshot.
func (b *Block) WriteOffsetHint() uint64 {
	return atomic.LoadUint64(b.ptr64(offWriteOffset))
}

// Heartbeat returns the writer's last recorded heartbeat, in nanoseconds.
func (b *Block) Heartbeat() int64 {
	return int64(atomic.LoadUint64(b.ptr64(offWriterHeartbeat)))
}

// SetHeartbeat stores the writer's current heartbeat. Plain atomic store on
// the hot path; readers tolerate staleness.
func (b *Block) SetHeartbeat(nowNs int64) {
	atomic.StoreUint64(b.ptr64(offWriterHeartbeat), uint64(nowNs))
}

// NotifySeq returns the current notify counter value.
func (b *Block) NotifySeq() uint32 {
	return atomic.LoadUint32(b.ptr32(offNotifySeq))
}

// BumpNotifySeq increments notify_seq and returns the new value; called on
// every commit and roll, before checking waiters_pending, so that the
// lost-wakeup prevention in the spec's park protocol holds.
func (b *Block) BumpNotifySeq() uint32 {
	return atomic.AddUint32(b.ptr32(offNotifySeq), 1)
}

// NotifySeqAddr exposes the raw address of notify_seq for the parking
// primitive (internal/wait), which operates on a *uint32 directly.
func (b *Block) NotifySeqAddr() *uint32 {
	return b.ptr32(offNotifySeq)
}

// WaitersPending returns the current count of parked readers.
func (b *Block) WaitersPending() uint32 {
	return atomic.LoadUint32(b.ptr32(offWaitersPending))
}

// IncWaiters increments waiters_pending; called by a reader before it
// re-checks for data and parks.
func (b *Block) IncWaiters() uint32 {
	return atomic.AddUint32(b.ptr32(offWaitersPending), 1)
}

// DecWaiters decrements waiters_pending; called by a reader after it
// returns from a park (whether by wake, timeout, or spurious interrupt).
func (b *Block) DecWaiters() uint32 {
	return atomic.AddUint32(b.ptr32(offWaitersPending), ^uint32(0))
}

// Close unmaps control.meta.
func (b *Block) Close() error {
	return b.mm.Close()
}

func (b *Block) ptr32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.mm.Bytes()[off]))
}

func (b *Block) ptr64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b.mm.Bytes()[off]))
}

func putUint32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func putUint64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}
