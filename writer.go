package chronicle

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chronicle-db/chronicle/internal/control"
	"github.com/chronicle-db/chronicle/internal/header"
	"github.com/chronicle-db/chronicle/internal/journal"
	"github.com/chronicle-db/chronicle/internal/retention"
	"github.com/chronicle-db/chronicle/internal/seekindex"
	"github.com/chronicle-db/chronicle/internal/segment"
	"github.com/chronicle-db/chronicle/internal/wait"
	"github.com/chronicle-db/chronicle/internal/writerlock"
)

// wakeAll wakes every waiter parked on the control block's notify_seq.
const wakeAll = 1 << 30

// dataOffset is the first byte of a segment's record region, immediately
// after the 64-byte segment header.
const dataOffset = segment.HeaderSize

// WriterStats is a point-in-time snapshot of writer counters, for
// callers that don't run a Prometheus scrape loop.
type WriterStats struct {
	CurrentSegment  uint32
	WriteOffset     uint64
	NextSeq         uint64
	BytesAppended   uint64
	RecordsAppended uint64
	SegmentRolls    uint64
	PreallocErrors  uint64
	AsyncSealErrors uint64
}

// Writer is the single producer for a queue directory. Only one Writer
// may be open against a given directory at a time, enforced by the
// writer lock.
type Writer struct {
	dir string
	cfg WriterConfig

	control  *control.Block
	lock     *writerlock.Lock
	segStore *segment.Store
	idx      *seekindex.Builder
	journal  *journal.Journal

	retentionWorker *retention.Worker
	prealloc        *preallocWorker
	asyncSeal       *asyncSealWorker

	logger  log.Logger
	metrics *writerMetrics
	clock   Clock

	writeMu                  sync.Mutex
	cur                      *segment.Segment
	writeOffset              uint64
	seq                      uint64
	bytesSinceRetentionCheck int64
	recordsSinceIndexFlush   uint32
	lastIndexFlushNs         int64
	nextPreallocID           uint32

	closed atomic.Bool

	bytesAppended   atomic.Uint64
	recordsAppended atomic.Uint64
	rolls           atomic.Uint64
	preallocErrors  atomic.Uint64
}

// Open opens (or creates) the queue at dir for writing.
func Open(dir string, opts ...WriterOption) (*Writer, error) {
	cfg := defaultWriterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, WrapIo("mkdir", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "readers"), 0o755); err != nil {
		return nil, WrapIo("mkdir readers", err)
	}

	lockPath := filepath.Join(dir, "writer.lock")
	lk, err := writerlock.Acquire(lockPath, 0)
	if err != nil {
		if err == writerlock.ErrHeld {
			return nil, ErrWriterAlreadyActive
		}
		return nil, WrapIo("acquire writer lock", err)
	}

	w := &Writer{
		dir:      dir,
		cfg:      cfg,
		segStore: segment.NewStore(dir, cfg.SegmentSizeBytes),
		idx:      seekindex.NewBuilder(0, cfg.SeekIndexStride),
		logger:   cfg.Logger,
		metrics:  newWriterMetrics(cfg.MetricsRegisterer),
		clock:    cfg.Clock,
		lock:     lk,
	}

	ctrl, epoch, err := w.openControl()
	if err != nil {
		lk.Release()
		return nil, err
	}
	w.control = ctrl
	if err := lk.SetEpoch(epoch); err != nil {
		w.closeAll()
		return nil, WrapIo("persist writer epoch", err)
	}

	if cfg.EnableJournal {
		j, err := journal.Open(filepath.Join(dir, "journal.bbolt"))
		if err != nil {
			w.closeAll()
			return nil, WrapIo("open journal", err)
		}
		w.journal = j
	}

	if err := w.resume(); err != nil {
		w.closeAll()
		return nil, err
	}

	w.retentionWorker = retention.NewWorker(dir, retention.Config{
		SegmentSizeBytes: cfg.SegmentSizeBytes,
		ReaderTTL:        cfg.ReaderTTL,
		MaxReaderLag:     cfg.MaxReaderLag,
		CheckInterval:    cfg.RetentionCheckInterval,
		Clock:            cfg.Clock,
	}, cfg.Logger)
	w.retentionWorker.Start()

	w.prealloc = newPreallocWorker(w.segStore, cfg.Memlock, cfg.Logger)
	w.prealloc.start()

	w.asyncSeal = newAsyncSealWorker(cfg.Logger)
	w.asyncSeal.start()

	w.nextPreallocID = w.cur.ID + 1
	w.prealloc.Request(w.nextPreallocID)

	w.retentionWorker.Notify(w.cur.ID, w.writeOffset)

	return w, nil
}

// openControl opens or creates control.meta, waits for it to be ready,
// and increments the writer epoch (step 2-3 of the open sequence).
func (w *Writer) openControl() (*control.Block, uint64, error) {
	path := filepath.Join(w.dir, "control.meta")
	if _, err := os.Stat(path); err == nil {
		b, err := control.Open(path)
		if err != nil {
			return nil, 0, WrapIo("open control.meta", err)
		}
		if err := b.WaitReady(5 * time.Second); err != nil {
			b.Close()
			return nil, 0, err
		}
		if b.SegmentSize() != w.cfg.SegmentSizeBytes {
			b.Close()
			return nil, 0, fmt.Errorf("%w: control.meta segment_size %d != configured %d", ErrCorruptMetadata, b.SegmentSize(), w.cfg.SegmentSizeBytes)
		}
		epoch := b.IncWriterEpoch()
		return b, epoch, nil
	} else if !os.IsNotExist(err) {
		return nil, 0, WrapIo("stat control.meta", err)
	}

	b, err := control.Create(path, w.cfg.SegmentSizeBytes, 0, dataOffset, 1)
	if err != nil {
		return nil, 0, WrapIo("create control.meta", err)
	}
	b.Publish()
	return b, 1, nil
}

// resume implements the rest of the writer's open sequence: reconciling
// index.meta against the control block's seqlocked head, repairing any
// tail left by a crashed prior writer, and positioning onto the current
// (or a fresh) segment.
func (w *Writer) resume() error {
	ctrlSeg, ctrlOff := w.control.SegmentIndex()

	meta, merr := loadIndexMeta(w.dir)
	if merr == nil && uint32(meta.CurrentSegment) < ctrlSeg {
		// A prior writer crashed mid-roll: control moved on but
		// index.meta didn't catch up. Repair the stale segment's tail
		// if it's still unsealed, then resume at control's position.
		if prevSeg, err := w.segStore.Open(uint32(meta.CurrentSegment)); err == nil {
			if !prevSeg.Sealed() {
				if _, err := prevSeg.RepairUnsealedTail(); err != nil {
					prevSeg.Close()
					return WrapIo("repair previous segment tail", err)
				}
			}
			prevSeg.Close()
		}
	}

	seg, err := w.segStore.OpenOrCreate(ctrlSeg)
	if err != nil {
		return WrapIo("open current segment", err)
	}

	if seg.Sealed() {
		// The recorded current segment is already sealed (another
		// crash signature): advance past it.
		seg.Close()
		nextID := ctrlSeg + 1
		seg, err = w.segStore.OpenOrCreate(nextID)
		if err != nil {
			return WrapIo("open successor segment", err)
		}
		ctrlSeg = nextID
		ctrlOff = dataOffset
	}

	// Walk the segment tail from the resume offset to find the true
	// write position, in case ctrlOff is stale relative to what was
	// actually committed.
	trueOff, walkErr := w.walkTail(seg, ctrlOff)
	if walkErr != nil {
		// Corruption in the tail: repair (seals this segment) and roll
		// to a fresh successor, resuming at the post-header position.
		if _, rerr := seg.RepairUnsealedTail(); rerr != nil {
			seg.Close()
			return WrapIo("repair corrupt tail", rerr)
		}
		nextID := ctrlSeg + 1
		nextSeg, err := w.segStore.OpenOrCreate(nextID)
		seg.Close()
		if err != nil {
			return WrapIo("create post-repair segment", err)
		}
		w.cur = nextSeg
		w.writeOffset = dataOffset
		w.control.SetSegmentIndex(nextID, dataOffset)
		w.idx.Reset(nextID)
	} else {
		w.cur = seg
		w.writeOffset = trueOff
		w.control.SetSegmentIndex(ctrlSeg, trueOff)
		w.idx.Reset(ctrlSeg)
	}

	// seq resumes from the highest seq observed in the current segment,
	// plus one; a fresh queue starts at 0.
	w.seq = w.highestSeqSeen(w.cur, w.writeOffset)

	return saveIndexMeta(w.dir, indexMeta{CurrentSegment: uint64(w.cur.ID), WriteOffset: w.writeOffset})
}

// walkTail scans forward from startOff (absolute file offset) looking
// for the first uncommitted or malformed header, returning the
// absolute offset of the true write position. An error return means
// the tail is corrupt and needs repair.
func (w *Writer) walkTail(seg *segment.Segment, startOff uint64) (uint64, error) {
	data := seg.Bytes()
	off := int64(startOff)
	size := int64(len(data))
	for off+header.Size <= size {
		hdr := data[off : off+header.Size]
		commit := header.LoadCommitWord(hdr)
		if commit == 0 {
			break
		}
		payloadLen, err := header.PayloadLenFromCommit(commit)
		if err != nil {
			return 0, err
		}
		recLen := int64(header.RecordLen(payloadLen))
		if off+recLen > size {
			return 0, fmt.Errorf("%w: record overruns segment", ErrCorrupt)
		}
		off += recLen
	}
	return uint64(off), nil
}

// highestSeqSeen scans [dataOffset, writeOffset) once to recover the
// next sequence number to assign, used only at open (the hot path
// tracks seq in memory thereafter).
func (w *Writer) highestSeqSeen(seg *segment.Segment, writeOffset uint64) uint64 {
	data := seg.Bytes()
	var next uint64
	off := int64(dataOffset)
	end := int64(writeOffset)
	for off+header.Size <= end {
		hdr := data[off : off+header.Size]
		commit := header.LoadCommitWord(hdr)
		if commit == 0 {
			break
		}
		payloadLen, err := header.PayloadLenFromCommit(commit)
		if err != nil {
			break
		}
		h := header.ReadFrom(hdr)
		if h.TypeID != header.PaddingTypeID {
			next = h.Seq + 1
		}
		off += int64(header.RecordLen(payloadLen))
	}
	return next
}

// Append writes one record with typeID and payload, returning once the
// commit word has been released-stored.
func (w *Writer) Append(typeID uint16, payload []byte) error {
	return w.AppendInPlace(typeID, len(payload), func(buf []byte) { copy(buf, payload) })
}

// AppendInPlace reserves length bytes in the active segment and calls
// fill to populate them in place, avoiding an extra copy for callers
// that can write directly into the mapped region.
func (w *Writer) AppendInPlace(typeID uint16, length int, fill func([]byte)) error {
	w.metrics.appendCalls.Inc()
	if w.closed.Load() {
		return ErrClosed
	}
	if typeID == header.PaddingTypeID {
		return fmt.Errorf("%w: type id %#x is reserved for padding records", ErrUnsupported, typeID)
	}
	if length < 0 || uint64(length) > uint64(header.MaxPayload) {
		return ErrPayloadTooLarge
	}
	recLen := header.RecordLen(length)
	if int64(recLen) > w.cfg.SegmentSizeBytes-dataOffset {
		return ErrPayloadTooLarge
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.ensureCapacity(recLen); err != nil {
		return err
	}

	if w.writeOffset+uint64(recLen) > uint64(w.cfg.SegmentSizeBytes) {
		if err := w.roll(); err != nil {
			return err
		}
	}

	return w.appendLocked(typeID, length, fill, recLen)
}

// appendLocked performs the actual write+commit; callers hold writeMu
// and have already guaranteed recLen fits in the active segment.
func (w *Writer) appendLocked(typeID uint16, length int, fill func([]byte), recLen int) error {
	data := w.cur.Bytes()
	off := w.writeOffset
	rec := data[off : off+uint64(recLen)]
	hdrBuf := rec[:header.Size]
	payload := rec[header.Size : header.Size+length]

	fill(payload)

	nowNs := w.clock.NowNanos()
	crc := header.CRC32(payload)
	h := header.NewUncommitted(w.seq, nowNs, typeID, 0, crc)
	h.WriteTo(hdrBuf)

	commit, err := header.CommitLenForPayload(length)
	if err != nil {
		return err
	}
	header.StoreCommitWord(hdrBuf, commit)

	w.idx.Observe(w.seq, nowNs, off)

	w.writeOffset += uint64(recLen)
	w.seq++
	w.bytesAppended.Add(uint64(length))
	w.recordsAppended.Add(1)
	w.metrics.bytesAppended.Add(float64(length))
	w.metrics.recordsAppended.Inc()

	w.control.StoreWriteOffset(w.writeOffset)
	w.control.SetHeartbeat(nowNs)
	w.control.BumpNotifySeq()
	if w.control.WaitersPending() > 0 {
		_ = wait.Wake(w.control.NotifySeqAddr(), wakeAll)
	}

	w.recordsSinceIndexFlush++
	dueByRecords := w.cfg.IndexFlushRecords > 0 && w.recordsSinceIndexFlush >= w.cfg.IndexFlushRecords
	dueByInterval := w.cfg.IndexFlushInterval > 0 && time.Duration(nowNs-w.lastIndexFlushNs) >= w.cfg.IndexFlushInterval
	noCadenceConfigured := w.cfg.IndexFlushRecords == 0 && w.cfg.IndexFlushInterval <= 0
	if dueByRecords || dueByInterval || noCadenceConfigured {
		w.flushIndexAndMeta()
		w.lastIndexFlushNs = nowNs
	}

	w.bytesSinceRetentionCheck += int64(recLen)
	if w.bytesSinceRetentionCheck >= w.cfg.RetentionCheckBytes {
		w.bytesSinceRetentionCheck = 0
		w.retentionWorker.Notify(w.cur.ID, w.writeOffset)
	}

	return nil
}

func (w *Writer) flushIndexAndMeta() {
	w.recordsSinceIndexFlush = 0
	if err := w.idx.Flush(w.dir); err != nil {
		level.Warn(w.logger).Log("msg", "seek index flush failed", "segment", w.cur.ID, "err", err)
	}
	if err := saveIndexMeta(w.dir, indexMeta{CurrentSegment: uint64(w.cur.ID), WriteOffset: w.writeOffset}); err != nil {
		level.Warn(w.logger).Log("msg", "index.meta save failed", "err", err)
	}
}

// ensureCapacity applies the configured backpressure policy when the
// queue has reached MaxSegments/MaxBytes, blocking or failing fast
// until the retention worker has freed room.
func (w *Writer) ensureCapacity(recLen int) error {
	if w.cfg.MaxSegments == 0 && w.cfg.MaxBytes == 0 {
		return nil
	}
	deadline := time.Time{}
	if w.cfg.Backpressure.Kind == Block && w.cfg.Backpressure.Timeout > 0 {
		deadline = w.now().Add(w.cfg.Backpressure.Timeout)
	}
	for {
		if !w.overCapacity() {
			return nil
		}
		if w.cfg.Backpressure.Kind == FailFast {
			w.retentionWorker.Notify(w.cur.ID, w.writeOffset)
			w.metrics.queueFullEvents.WithLabelValues("fail_fast").Inc()
			return ErrQueueFull
		}
		if !deadline.IsZero() && w.now().After(deadline) {
			w.metrics.queueFullEvents.WithLabelValues("timeout").Inc()
			return ErrQueueFull
		}
		w.retentionWorker.Notify(w.cur.ID, w.writeOffset)
		poll := w.cfg.Backpressure.PollInterval
		if poll <= 0 {
			poll = time.Millisecond
		}
		time.Sleep(poll)
	}
}

func (w *Writer) now() time.Time {
	return time.Unix(0, w.clock.NowNanos())
}

// overCapacity compares the writer's head against the retention
// worker's last-published MinLiveGlobal to decide whether the backlog
// behind the slowest live reader exceeds the configured limit, rather
// than scanning the directory (which can't distinguish reclaimable
// segments from ones still pinned by a live reader).
func (w *Writer) overCapacity() bool {
	headGlobal := retention.ToGlobal(w.cur.ID, w.writeOffset, w.cfg.SegmentSizeBytes)
	minGlobal := w.retentionWorker.MinLiveGlobal()
	if uint64(headGlobal) < uint64(minGlobal) {
		return false
	}
	backlogBytes := uint64(headGlobal) - uint64(minGlobal)
	w.metrics.minLiveReaderLag.Set(float64(backlogBytes))
	if w.cfg.MaxBytes > 0 && backlogBytes > w.cfg.MaxBytes {
		return true
	}
	if w.cfg.MaxSegments > 0 {
		minSeg := minGlobal.Segment(w.cfg.SegmentSizeBytes)
		if w.cur.ID >= minSeg && w.cur.ID-minSeg > w.cfg.MaxSegments {
			return true
		}
	}
	return false
}

// roll seals the active segment, swaps in the next (already
// preallocated, if the worker kept up) segment, and requests the
// worker prepare the one after that.
func (w *Writer) roll() error {
	w.flushIndexAndMeta()

	old := w.cur
	if err := old.Seal(); err != nil {
		return WrapIo("seal segment", err)
	}
	if w.journal != nil {
		_ = w.journal.Record(old.ID, journal.EventSealed, w.clock.NowNanos())
	}

	// When deferring, the async-seal worker takes ownership of old and
	// closes it once the durable sync completes; closing it here too
	// would unmap it out from under that in-flight Sync.
	deferred := w.cfg.DeferSealSync
	if deferred {
		w.asyncSeal.Submit(old)
	} else {
		if err := old.Sync(); err != nil {
			w.metrics.asyncSealErrors.Inc()
			level.Warn(w.logger).Log("msg", "segment seal sync failed", "segment", old.ID, "err", err)
		}
	}

	nextID := old.ID + 1
	next, err := w.acquireSegment(nextID)
	if err != nil {
		if !deferred {
			old.Close()
		}
		return err
	}

	w.control.SetSegmentIndex(nextID, dataOffset)
	w.control.BumpNotifySeq()
	if w.control.WaitersPending() > 0 {
		_ = wait.Wake(w.control.NotifySeqAddr(), wakeAll)
	}

	if !deferred {
		old.Close()
	}
	w.cur = next
	w.writeOffset = dataOffset
	w.idx.Reset(nextID)
	w.rolls.Add(1)
	w.metrics.segmentRolls.Inc()

	w.nextPreallocID = nextID + 1
	w.prealloc.Request(w.nextPreallocID)

	return saveIndexMeta(w.dir, indexMeta{CurrentSegment: uint64(nextID), WriteOffset: dataOffset})
}

// acquireSegment takes the preallocated segment off the worker's ready
// channel if it matches id, waiting up to PreallocWait; otherwise it
// falls back to synchronous creation (or fails, if RequirePrealloc).
func (w *Writer) acquireSegment(id uint32) (*segment.Segment, error) {
	deadline := time.Now().Add(w.cfg.PreallocWait)
	for time.Now().Before(deadline) {
		select {
		case ready := <-w.prealloc.readyCh:
			if ready.err != nil {
				w.preallocErrors.Add(1)
				w.metrics.preallocErrors.Inc()
				level.Warn(w.logger).Log("msg", "preallocation failed", "err", ready.err)
				continue
			}
			if ready.seg.ID == id {
				return ready.seg, nil
			}
			// Stale entry for a segment we've already passed; drop it
			// and keep waiting for the one we need.
			ready.seg.Close()
		default:
			time.Sleep(time.Microsecond * 100)
		}
	}
	if w.cfg.RequirePrealloc {
		return nil, fmt.Errorf("%w: segment %d was not preallocated in time", ErrSegmentMissing, id)
	}
	return w.segStore.OpenOrCreate(id)
}

// Sync flushes the seek index, index.meta, and the active segment's
// mapped pages to durable storage.
func (w *Writer) Sync() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.flushIndexAndMeta()
	return w.cur.Sync()
}

// Stats returns a point-in-time snapshot of writer counters.
func (w *Writer) Stats() WriterStats {
	w.writeMu.Lock()
	seg, off, seq := w.cur.ID, w.writeOffset, w.seq
	w.writeMu.Unlock()
	return WriterStats{
		CurrentSegment:  seg,
		WriteOffset:     off,
		NextSeq:         seq,
		BytesAppended:   w.bytesAppended.Load(),
		RecordsAppended: w.recordsAppended.Load(),
		SegmentRolls:    w.rolls.Load(),
		PreallocErrors:  w.preallocErrors.Load(),
		AsyncSealErrors: w.asyncSeal.ErrorCount(),
	}
}

// Close stops background workers, syncs outstanding state, and
// releases the writer lock.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.writeMu.Lock()
	w.flushIndexAndMeta()
	err := w.cur.Sync()
	w.writeMu.Unlock()

	w.closeAll()
	return err
}

func (w *Writer) closeAll() {
	if w.prealloc != nil {
		w.prealloc.stop()
	}
	if w.asyncSeal != nil {
		w.asyncSeal.stop()
	}
	if w.retentionWorker != nil {
		w.retentionWorker.Stop()
	}
	if w.cur != nil {
		w.cur.Close()
	}
	if w.journal != nil {
		w.journal.Close()
	}
	if w.control != nil {
		w.control.Close()
	}
	if w.lock != nil {
		w.lock.Release()
	}
}

// DiscoverSegments implements SegmentSource.
func (w *Writer) DiscoverSegments() ([]uint32, error) {
	return w.segStore.Discover()
}

// OpenSegmentReader implements SegmentSource. The returned reader's
// position file is scoped to this segment id, since a table-layer
// consumer reads each segment once and doesn't need cross-restart
// resume.
func (w *Writer) OpenSegmentReader(segmentID uint32, opts ...ReaderOption) (*Reader, error) {
	name := fmt.Sprintf("_segment_source_%d", segmentID)
	return OpenReader(w.dir, name, append([]ReaderOption{withStartSegment(segmentID)}, opts...)...)
}

// SeekIndexFor implements SegmentSource.
func (w *Writer) SeekIndexFor(segmentID uint32) (*seekindex.Index, error) {
	raw, err := os.ReadFile(seekindex.Path(w.dir, segmentID))
	if err != nil {
		return nil, err
	}
	return seekindex.Load(raw)
}

// MinLiveReaderPosition implements RetentionHook.
func (w *Writer) MinLiveReaderPosition() (segmentID uint32, offset uint64) {
	pos := w.retentionWorker.MinLiveGlobal()
	return pos.Segment(w.cfg.SegmentSizeBytes), uint64(pos) % uint64(w.cfg.SegmentSizeBytes)
}

// RequestCleanup implements RetentionHook.
func (w *Writer) RequestCleanup() {
	w.writeMu.Lock()
	id, off := w.cur.ID, w.writeOffset
	w.writeMu.Unlock()
	w.retentionWorker.Notify(id, off)
}

var _ SegmentSource = (*Writer)(nil)
var _ RetentionHook = (*Writer)(nil)
