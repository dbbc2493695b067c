package chronicle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chronicle-db/chronicle/internal/control"
	"github.com/chronicle-db/chronicle/internal/header"
	"github.com/chronicle-db/chronicle/internal/readerpos"
	"github.com/chronicle-db/chronicle/internal/seekindex"
	"github.com/chronicle-db/chronicle/internal/segment"
	"github.com/chronicle-db/chronicle/internal/wait"
	"github.com/chronicle-db/chronicle/internal/writerlock"
)

// Record is one decoded, committed record returned by (*Reader).Next.
// Payload aliases the underlying memory-mapped segment and is only
// valid until the next call to Next or Close.
type Record struct {
	Seq         uint64
	TimestampNs int64
	TypeID      uint16
	Flags       uint16
	Payload     []byte
}

// ReaderStats is a point-in-time snapshot of reader counters.
type ReaderStats struct {
	CurrentSegment uint32
	Offset         uint64
	RecordsRead    uint64
	BytesRead      uint64
	CorruptReads   uint64
}

// Reader is one independent consumer of a queue directory. Many
// Readers may be open concurrently against the same directory and
// against a live Writer.
type Reader struct {
	dir string
	cfg ReaderConfig

	name     string // identifies this reader's position file under readers/
	posPath  string // readers/<name>.meta
	control  *control.Block
	segStore *segment.Store

	logger  log.Logger
	metrics *readerMetrics
	clock   Clock

	cur    *segment.Segment
	offset uint64

	recordsRead atomic.Uint64
	bytesRead   atomic.Uint64
	corrupt     atomic.Uint64
}

// OpenReader opens a named reader against dir. name identifies the
// reader's position file (readers/<name>.meta) and must be stable
// across process restarts for ResumeStrict/ResumeSnapshot/ResumeLatest
// to find prior progress.
func OpenReader(dir, name string, opts ...ReaderOption) (*Reader, error) {
	cfg := defaultReaderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}

	ctrl, err := control.Open(filepath.Join(dir, "control.meta"))
	if err != nil {
		return nil, WrapIo("open control.meta", err)
	}
	if err := ctrl.WaitReady(5 * time.Second); err != nil {
		ctrl.Close()
		return nil, err
	}

	segSize := ctrl.SegmentSize()
	r := &Reader{
		dir:      dir,
		cfg:      cfg,
		name:     name,
		posPath:  filepath.Join(dir, "readers", name+".meta"),
		control:  ctrl,
		segStore: segment.NewStore(dir, segSize),
		logger:   cfg.Logger,
		metrics:  newReaderMetrics(cfg.MetricsRegisterer),
		clock:    cfg.Clock,
	}

	if err := os.MkdirAll(filepath.Join(dir, "readers"), 0o755); err != nil {
		ctrl.Close()
		return nil, WrapIo("mkdir readers", err)
	}

	if err := r.resolveStart(); err != nil {
		ctrl.Close()
		return nil, err
	}

	return r, nil
}

// withStartSegment pins a reader's initial position to the start of a
// specific segment; only SegmentSource.OpenSegmentReader uses this.
func withStartSegment(segmentID uint32) ReaderOption {
	return func(c *ReaderConfig) {
		id := segmentID
		c.startSegment = &id
	}
}

func (r *Reader) resolveStart() error {
	if r.cfg.startSegment != nil {
		seg, err := r.segStore.Open(*r.cfg.startSegment)
		if err != nil {
			return WrapIo("open start segment", err)
		}
		r.cur = seg
		r.offset = dataOffset
		return nil
	}

	switch r.cfg.StartMode {
	case Latest:
		return r.seekToHead()
	case Earliest:
		ids, err := r.segStore.Discover()
		if err != nil || len(ids) == 0 {
			return r.seekToHead()
		}
		seg, err := r.segStore.Open(ids[0])
		if err != nil {
			return WrapIo("open earliest segment", err)
		}
		r.cur = seg
		r.offset = dataOffset
		return nil
	default:
		return r.resumeFromPositionFile()
	}
}

func (r *Reader) resumeFromPositionFile() error {
	pos, err := readerpos.Load(r.posPath)
	switch {
	case err == nil:
		seg, serr := r.segStore.Open(uint32(pos.SegmentID))
		if serr == nil {
			r.cur = seg
			r.offset = pos.Offset
			return nil
		}
		if r.cfg.StartMode == ResumeStrict {
			return fmt.Errorf("%w: reader %s segment %d no longer exists", ErrCorrupt, r.name, pos.SegmentID)
		}
		if r.cfg.StartMode == ResumeSnapshot {
			ids, derr := r.segStore.Discover()
			if derr == nil && len(ids) > 0 {
				seg, oerr := r.segStore.Open(ids[0])
				if oerr == nil {
					r.cur = seg
					r.offset = dataOffset
					return nil
				}
			}
		}
		return r.seekToHead()
	case os.IsNotExist(err):
		if r.cfg.StartMode == ResumeStrict {
			seg, serr := r.segStore.Open(0)
			if serr != nil {
				return fmt.Errorf("%w: reader %s has no saved position and segment 0 no longer exists", ErrCorrupt, r.name)
			}
			r.cur = seg
			r.offset = dataOffset
			return nil
		}
		return r.seekToHead()
	default:
		if r.cfg.StartMode == ResumeStrict {
			return fmt.Errorf("%w: reader %s position file: %v", ErrCorrupt, r.name, err)
		}
		return r.seekToHead()
	}
}

func (r *Reader) seekToHead() error {
	segID, off := r.control.SegmentIndex()
	seg, err := r.segStore.Open(segID)
	if err != nil {
		return WrapIo("open head segment", err)
	}
	r.cur = seg
	r.offset = off
	return nil
}

// ErrNoData is returned by Next when the reader has caught up to the
// writer's current position; call Wait and retry.
var ErrNoData = fmt.Errorf("chronicle: no data available")

func (r *Reader) Next() (Record, error) {
	for {
		if advanced, err := r.maybeAdvanceSegment(); err != nil {
			return Record{}, err
		} else if advanced {
			continue
		}

		data := r.cur.Bytes()
		if r.offset+uint64(header.Size) > uint64(len(data)) {
			if adv, err := r.forceAdvanceIfSealed(); err != nil {
				return Record{}, err
			} else if adv {
				continue
			}
			return Record{}, ErrNoData
		}

		hdr := data[r.offset : r.offset+uint64(header.Size)]
		commit := header.LoadCommitWord(hdr)
		if commit == 0 {
			return Record{}, ErrNoData
		}
		payloadLen, err := header.PayloadLenFromCommit(commit)
		if err != nil {
			r.corrupt.Add(1)
			r.metrics.corruptReads.Inc()
			level.Warn(r.logger).Log("msg", "corrupt commit word", "segment", r.cur.ID, "offset", r.offset, "err", err)
			return Record{}, fmt.Errorf("%w: record at segment %d offset %d", ErrCorrupt, r.cur.ID, r.offset)
		}
		recLen := header.RecordLen(payloadLen)
		if r.offset+uint64(recLen) > uint64(len(data)) {
			r.corrupt.Add(1)
			r.metrics.corruptReads.Inc()
			level.Warn(r.logger).Log("msg", "record overruns segment", "segment", r.cur.ID, "offset", r.offset)
			return Record{}, fmt.Errorf("%w: record overruns segment at offset %d", ErrCorrupt, r.offset)
		}

		h := header.ReadFrom(hdr)
		payload := data[r.offset+uint64(header.Size) : r.offset+uint64(recLen)][:payloadLen]

		if h.TypeID == header.PaddingTypeID {
			r.offset += uint64(recLen)
			continue
		}

		gotCRC := header.CRC32(payload)
		if gotCRC != h.CRC32 {
			r.corrupt.Add(1)
			r.metrics.corruptReads.Inc()
			level.Warn(r.logger).Log("msg", "crc mismatch", "segment", r.cur.ID, "offset", r.offset)
			return Record{}, fmt.Errorf("%w: crc mismatch at segment %d offset %d", ErrCorrupt, r.cur.ID, r.offset)
		}

		r.offset += uint64(recLen)
		r.recordsRead.Add(1)
		r.bytesRead.Add(uint64(payloadLen))
		r.metrics.recordsRead.Inc()
		r.metrics.bytesRead.Add(float64(payloadLen))

		return Record{
			Seq:         h.Seq,
			TimestampNs: h.TimestampNs,
			TypeID:      h.TypeID,
			Flags:       h.Flags,
			Payload:     payload,
		}, nil
	}
}

// maybeAdvanceSegment checks the control block's current_segment hint
// cheaply (no syscall); if the writer has moved on and this reader has
// exhausted the tail of its current segment, it advances.
func (r *Reader) maybeAdvanceSegment() (bool, error) {
	hint := r.control.CurrentSegmentHint()
	if hint <= r.cur.ID {
		return false, nil
	}
	return r.forceAdvanceIfSealed()
}

func (r *Reader) forceAdvanceIfSealed() (bool, error) {
	if !r.cur.Sealed() {
		return false, nil
	}
	data := r.cur.Bytes()
	if r.offset+uint64(header.Size) <= uint64(len(data)) {
		hdr := data[r.offset : r.offset+uint64(header.Size)]
		if header.LoadCommitWord(hdr) != 0 {
			return false, nil
		}
	}
	nextID := r.cur.ID + 1
	next, err := r.segStore.Open(nextID)
	if err != nil {
		if errors.Is(err, segment.ErrNotFound) {
			return false, nil
		}
		return false, WrapIo("advance segment", err)
	}
	r.cur.Close()
	r.cur = next
	r.offset = dataOffset
	return true, nil
}

// Wait blocks until new data may be available, the writer wakes
// waiters, or timeout elapses, per the configured WaitStrategy. It
// never returns an error for a spurious or timed-out wake: callers
// always re-check with Next.
func (r *Reader) Wait(timeout time.Duration) error {
	r.metrics.waits.Inc()
	switch r.cfg.WaitStrategy.Kind {
	case BusySpin:
		deadline := time.Now().Add(timeout)
		for timeout <= 0 || time.Now().Before(deadline) {
			if r.hasData() {
				return nil
			}
		}
		return nil
	case Sleep:
		d := r.cfg.WaitStrategy.SleepDuration
		if d <= 0 {
			d = time.Millisecond
		}
		time.Sleep(d)
		return nil
	default: // SpinThenPark
		spinDeadline := time.Now().Add(time.Duration(r.cfg.WaitStrategy.SpinMicros) * time.Microsecond)
		for time.Now().Before(spinDeadline) {
			if r.hasData() {
				return nil
			}
		}
		if r.hasData() {
			return nil
		}
		seq := r.control.NotifySeq()
		r.control.IncWaiters()
		defer r.control.DecWaiters()
		if r.hasData() {
			return nil
		}
		return wait.Park(r.control.NotifySeqAddr(), seq, timeout)
	}
}

func (r *Reader) hasData() bool {
	data := r.cur.Bytes()
	if r.offset+uint64(header.Size) > uint64(len(data)) {
		return false
	}
	hdr := data[r.offset : r.offset+uint64(header.Size)]
	return header.LoadCommitWord(hdr) != 0
}

// SeekSeq repositions the reader to the first record whose seq is at or
// after seq, using each segment's flushed seek index to avoid a full
// scan. If no segment has a flushed seek index, the reader moves to the
// writer's current head.
func (r *Reader) SeekSeq(seq uint64) error {
	r.metrics.seeks.WithLabelValues("seq").Inc()
	ids, err := r.segStore.Discover()
	if err != nil {
		return WrapIo("discover segments", err)
	}
	headers := r.loadSeekHeaders(ids)
	segID, ok := seekindex.SelectSegmentForSeq(headers, seq)
	if !ok {
		return r.seekToHead()
	}
	return r.openAtSeq(segID, seq)
}

// SeekTimestamp repositions the reader to the first record whose
// timestamp is at or after tsNs.
func (r *Reader) SeekTimestamp(tsNs int64) error {
	r.metrics.seeks.WithLabelValues("timestamp").Inc()
	ids, err := r.segStore.Discover()
	if err != nil {
		return WrapIo("discover segments", err)
	}
	headers := r.loadSeekHeaders(ids)
	segID, ok := seekindex.SelectSegmentForTimestamp(headers, tsNs)
	if !ok {
		return r.seekToHead()
	}
	return r.openAtTimestamp(segID, tsNs)
}

func (r *Reader) loadSeekHeaders(ids []uint32) []seekindex.Header {
	headers := make([]seekindex.Header, 0, len(ids))
	for _, id := range ids {
		raw, err := os.ReadFile(seekindex.Path(r.dir, id))
		if err != nil {
			continue
		}
		idx, err := seekindex.Load(raw)
		if err != nil {
			continue
		}
		headers = append(headers, idx.Header)
	}
	return headers
}

func (r *Reader) openAtSeq(segID uint32, seq uint64) error {
	seg, err := r.segStore.Open(segID)
	if err != nil {
		return WrapIo("open seek-target segment", err)
	}
	off := uint64(dataOffset)
	if raw, err := os.ReadFile(seekindex.Path(r.dir, segID)); err == nil {
		if idx, err := seekindex.Load(raw); err == nil {
			if o, ok := idx.SeekSeq(seq); ok {
				off = o
			}
		}
	}
	if r.cur != nil {
		r.cur.Close()
	}
	r.cur = seg
	r.offset = off
	return r.scanForward(func(h header.Header) bool { return h.Seq >= seq })
}

func (r *Reader) openAtTimestamp(segID uint32, tsNs int64) error {
	seg, err := r.segStore.Open(segID)
	if err != nil {
		return WrapIo("open seek-target segment", err)
	}
	off := uint64(dataOffset)
	if raw, err := os.ReadFile(seekindex.Path(r.dir, segID)); err == nil {
		if idx, err := seekindex.Load(raw); err == nil {
			if o, ok := idx.SeekTimestamp(tsNs); ok {
				off = o
			}
		}
	}
	if r.cur != nil {
		r.cur.Close()
	}
	r.cur = seg
	r.offset = off
	return r.scanForward(func(h header.Header) bool { return h.TimestampNs >= tsNs })
}

// scanForward walks from the sparse index's floor entry up to the
// first record satisfying match, fine-tuning the coarse sparse seek.
func (r *Reader) scanForward(match func(header.Header) bool) error {
	data := r.cur.Bytes()
	off := r.offset
	for off+uint64(header.Size) <= uint64(len(data)) {
		hdr := data[off : off+uint64(header.Size)]
		commit := header.LoadCommitWord(hdr)
		if commit == 0 {
			break
		}
		payloadLen, err := header.PayloadLenFromCommit(commit)
		if err != nil {
			break
		}
		h := header.ReadFrom(hdr)
		if h.TypeID != header.PaddingTypeID && match(h) {
			r.offset = off
			return nil
		}
		off += uint64(header.RecordLen(payloadLen))
	}
	r.offset = off
	return nil
}

// Commit durably persists the reader's current position, so a
// restart resumes from here rather than the previously saved point.
func (r *Reader) Commit() error {
	pos := readerpos.Position{
		SegmentID:   uint64(r.cur.ID),
		Offset:      r.offset,
		HeartbeatNs: r.clock.NowNanos(),
	}
	if err := readerpos.Save(r.posPath, pos); err != nil {
		return WrapIo("save reader position", err)
	}
	return nil
}

// WriterStatus reports whether the writer appears alive: either its
// lock is held by a live process, or its heartbeat is non-zero and no
// older than ttl. lastHeartbeatNs and ttlNs are echoed back for
// callers that want to compute their own age.
func (r *Reader) WriterStatus(ttl time.Duration) (alive bool, lastHeartbeatNs int64, ttlNs int64) {
	lastHeartbeatNs = r.control.Heartbeat()
	ttlNs = ttl.Nanoseconds()

	lockAlive, err := writerlock.IsHeldByLiveProcess(filepath.Join(r.dir, "writer.lock"))
	if err != nil {
		lockAlive = false
	}

	heartbeatFresh := false
	if lastHeartbeatNs != 0 {
		age := time.Duration(r.clock.NowNanos()-lastHeartbeatNs) * time.Nanosecond
		heartbeatFresh = age <= ttl
	}

	alive = lockAlive || heartbeatFresh
	return alive, lastHeartbeatNs, ttlNs
}

// DetectDisconnect classifies why, if at all, the writer appears to
// have gone away: its lock no longer held by a live process, its heartbeat
// stale beyond ttl, or this reader's current segment having vanished
// out from under it (most likely reclaimed by retention).
func (r *Reader) DetectDisconnect(ttl time.Duration) DisconnectKind {
	if _, err := os.Stat(r.cur.Path()); err != nil && os.IsNotExist(err) {
		return DisconnectSegmentMissing
	}
	lastHeartbeat := r.control.Heartbeat()
	if lastHeartbeat > 0 {
		age := time.Duration(r.clock.NowNanos()-lastHeartbeat) * time.Nanosecond
		if age > ttl {
			return DisconnectHeartbeatStale
		}
	}
	held, err := writerlock.IsHeldByLiveProcess(filepath.Join(r.dir, "writer.lock"))
	if err == nil && !held {
		return DisconnectWriterLockLost
	}
	return DisconnectNone
}

// Stats returns a point-in-time snapshot of reader counters.
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		CurrentSegment: r.cur.ID,
		Offset:         r.offset,
		RecordsRead:    r.recordsRead.Load(),
		BytesRead:      r.bytesRead.Load(),
		CorruptReads:   r.corrupt.Load(),
	}
}

// Close releases the reader's mapped segment and control block. It
// does not delete the reader's position file: a subsequent OpenReader
// with the same name resumes from the last Commit.
func (r *Reader) Close() error {
	var err error
	if r.cur != nil {
		err = r.cur.Close()
	}
	if r.control != nil {
		if cerr := r.control.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
