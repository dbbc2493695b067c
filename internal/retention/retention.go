// Package retention implements the live-reader lower bound computation
// and segment garbage collection that runs as a background worker
// alongside the writer.
package retention

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chronicle-db/chronicle/internal/readerpos"
	"github.com/chronicle-db/chronicle/internal/segment"
)

// Clock supplies the current time as nanoseconds since epoch, so tests
// can inject a fake clock to deterministically drive ReaderTTL
// comparisons instead of depending on real elapsed wall time.
type Clock interface {
	NowNanos() int64
}

type systemClock struct{}

func (systemClock) NowNanos() int64 { return time.Now().UnixNano() }

// Config carries the retention policy knobs; all are copied from the
// writer's configuration at worker construction time.
type Config struct {
	SegmentSizeBytes int64
	ReaderTTL        time.Duration
	MaxReaderLag     uint64
	CheckInterval    time.Duration
	Clock            Clock
}

// GlobalPosition is a segment-agnostic absolute byte position: a
// reader's progress expressed as segment_id*SegmentSizeBytes + offset,
// so positions across different segments are directly comparable.
type GlobalPosition uint64

// ToGlobal converts a (segment, offset) pair to a GlobalPosition.
func ToGlobal(segmentID uint32, offset uint64, segmentSizeBytes int64) GlobalPosition {
	return GlobalPosition(uint64(segmentID)*uint64(segmentSizeBytes) + offset)
}

// Segment recovers the segment id a GlobalPosition falls within.
func (g GlobalPosition) Segment(segmentSizeBytes int64) uint32 {
	return uint32(uint64(g) / uint64(segmentSizeBytes))
}

// MinLiveReaderPosition enumerates readers/*.meta under root, validates
// each with CRC, and returns the minimum surviving global position.
// Readers with a stale heartbeat (> ReaderTTL) or whose lag from head
// exceeds MaxReaderLag are excluded as abandoned/forcibly-slow. If no
// reader survives, head itself is returned (retention then protects
// nothing beyond the head segment).
func MinLiveReaderPosition(root string, headSegment uint32, headOffset uint64, cfg Config, nowNs int64) GlobalPosition {
	head := ToGlobal(headSegment, headOffset, cfg.SegmentSizeBytes)
	min := head
	found := false

	dir := filepath.Join(root, "readers")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return head
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta") {
			continue
		}
		pos, err := readerpos.Load(filepath.Join(dir, e.Name()))
		if err != nil {
			continue // corrupt or unreadable position file: treat as not live
		}
		if pos.HeartbeatNs != 0 && cfg.ReaderTTL > 0 {
			age := time.Duration(nowNs - pos.HeartbeatNs)
			if age > cfg.ReaderTTL {
				continue // abandoned
			}
		}
		g := ToGlobal(uint32(pos.SegmentID), pos.Offset, cfg.SegmentSizeBytes)
		if cfg.MaxReaderLag > 0 && uint64(head) > uint64(g) && uint64(head)-uint64(g) > cfg.MaxReaderLag {
			continue // forcibly declared slow
		}
		if !found || g < min {
			min = g
			found = true
		}
	}
	if !found {
		return head
	}
	return min
}

// CleanupSegments computes the minimum live segment id from minPos and
// deletes every .q file under root whose id is both below that floor
// and below headSegment. The head segment is never touched.
func CleanupSegments(root string, headSegment uint32, minPos GlobalPosition, cfg Config) (deleted []uint32, err error) {
	minLiveSegment := minPos.Segment(cfg.SegmentSizeBytes)

	ids, derr := segment.Discover(root)
	if derr != nil {
		return nil, derr
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	store := segment.NewStore(root, cfg.SegmentSizeBytes)
	for _, id := range ids {
		if id >= headSegment || id >= minLiveSegment {
			continue
		}
		if derr := store.Delete(id); derr != nil {
			if err == nil {
				err = derr
			}
			continue
		}
		_ = os.Remove(segment.IndexPath(root, id))
		deleted = append(deleted, id)
	}
	return deleted, err
}

// request is one (head_segment, head_offset) notification sent to the
// worker; the channel carrying it has depth 1, matching the writer's
// "latest position wins" signaling contract.
type request struct {
	headSegment uint32
	headOffset  uint64
}

// Worker runs retention evaluation on a background goroutine, woken
// either by an explicit Notify call or by its own ticker.
type Worker struct {
	root   string
	cfg    Config
	logger log.Logger

	reqCh  chan request
	stopCh chan struct{}
	doneCh chan struct{}

	minGlobal atomic.Uint64
	errCount  atomic.Uint64
}

// NewWorker constructs a retention worker for root. Call Start to begin
// its background loop.
func NewWorker(root string, cfg Config, logger log.Logger) *Worker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	return &Worker{
		root:   root,
		cfg:    cfg,
		logger: logger,
		reqCh:  make(chan request, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the worker's loop goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the loop to exit and waits for it to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Notify delivers a fresh (head_segment, head_offset) to the worker.
// Non-blocking: if a request is already pending, the new one replaces
// it, matching the depth-1 "latest wins" channel contract.
func (w *Worker) Notify(headSegment uint32, headOffset uint64) {
	req := request{headSegment: headSegment, headOffset: headOffset}
	select {
	case w.reqCh <- req:
	default:
		select {
		case <-w.reqCh:
		default:
		}
		select {
		case w.reqCh <- req:
		default:
		}
	}
}

// MinLiveGlobal returns the last-computed minimum live reader position,
// published for the writer's ensure_capacity check to consume without
// blocking on the worker.
func (w *Worker) MinLiveGlobal() GlobalPosition {
	return GlobalPosition(w.minGlobal.Load())
}

// ErrorCount returns the number of squelched errors observed so far.
func (w *Worker) ErrorCount() uint64 {
	return w.errCount.Load()
}

func (w *Worker) run() {
	defer close(w.doneCh)

	interval := w.cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last request
	haveLast := false

	for {
		select {
		case <-w.stopCh:
			return
		case req := <-w.reqCh:
			last = req
			haveLast = true
			w.evaluate(last)
		case <-ticker.C:
			if haveLast {
				w.evaluate(last)
			}
		}
	}
}

func (w *Worker) evaluate(req request) {
	nowNs := w.cfg.Clock.NowNanos()
	minPos := MinLiveReaderPosition(w.root, req.headSegment, req.headOffset, w.cfg, nowNs)
	w.minGlobal.Store(uint64(minPos))

	deleted, err := CleanupSegments(w.root, req.headSegment, minPos, w.cfg)
	if err != nil {
		w.errCount.Add(1)
		level.Warn(w.logger).Log("msg", "retention cleanup failed", "err", err)
		return
	}
	if len(deleted) > 0 {
		level.Debug(w.logger).Log("msg", "retention deleted segments", "count", len(deleted), "first", deleted[0], "last", deleted[len(deleted)-1])
	}
}
