package chronicle

import (
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chronicle-db/chronicle/internal/segment"
)

// asyncSealWorker is a dedicated goroutine that durably syncs segments
// the writer has already sealed, off the append hot path. Its input
// channel is buffered, so handing off to it blocks the writer only
// when that buffer is full.
type asyncSealWorker struct {
	logger log.Logger
	ch     chan *segment.Segment
	stopCh chan struct{}
	doneCh chan struct{}

	errCount atomic.Uint64
}

func newAsyncSealWorker(logger log.Logger) *asyncSealWorker {
	return &asyncSealWorker{
		logger: logger,
		ch:     make(chan *segment.Segment, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (w *asyncSealWorker) start() { go w.run() }

func (w *asyncSealWorker) stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Submit hands a sealed segment off for a background durable sync.
func (w *asyncSealWorker) Submit(seg *segment.Segment) {
	select {
	case w.ch <- seg:
	case <-w.stopCh:
	}
}

// ErrorCount returns the number of sync failures observed so far.
func (w *asyncSealWorker) ErrorCount() uint64 { return w.errCount.Load() }

func (w *asyncSealWorker) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case seg := <-w.ch:
			if err := seg.Sync(); err != nil {
				w.errCount.Add(1)
				level.Warn(w.logger).Log("msg", "async seal sync failed", "segment", seg.ID, "err", err)
			}
			if err := seg.Close(); err != nil {
				level.Warn(w.logger).Log("msg", "async seal close failed", "segment", seg.ID, "err", err)
			}
		}
	}
}
