package chronicle

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chronicle-db/chronicle/internal/segment"
)

// preallocReady is the single-slot handoff from the preallocation
// worker to the writer: a freshly published, prefaulted segment ready
// to become the new active segment on the next roll.
type preallocReady struct {
	seg *segment.Segment
	err error
}

// preallocWorker is the single background worker that prepares the
// next segment ahead of time so a roll never stalls on page faults or
// file creation. It has a depth-1 request register (desired segment
// id) and a depth-1 ready channel; stale ready entries whose id no
// longer matches what the writer expects are discarded by the writer,
// and the worker drops an unread older entry when it has a newer one
// to hand off.
type preallocWorker struct {
	store  *segment.Store
	logger log.Logger

	reqCh   chan uint32
	readyCh chan preallocReady
	stopCh  chan struct{}
	doneCh  chan struct{}

	memlock bool
}

func newPreallocWorker(store *segment.Store, memlock bool, logger log.Logger) *preallocWorker {
	return &preallocWorker{
		store:   store,
		logger:  logger,
		reqCh:   make(chan uint32, 1),
		readyCh: make(chan preallocReady, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		memlock: memlock,
	}
}

func (p *preallocWorker) start() { go p.run() }

func (p *preallocWorker) stop() {
	close(p.stopCh)
	<-p.doneCh
}

// Request asks the worker to prepare segmentID, replacing any pending
// (not yet acted upon) request.
func (p *preallocWorker) Request(segmentID uint32) {
	select {
	case p.reqCh <- segmentID:
	default:
		select {
		case <-p.reqCh:
		default:
		}
		select {
		case p.reqCh <- segmentID:
		default:
		}
	}
}

func (p *preallocWorker) run() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		case id := <-p.reqCh:
			tmp, err := p.store.PrepareTemp(id)
			var ready preallocReady
			if err != nil {
				ready = preallocReady{err: err}
			} else {
				published, perr := p.store.Publish(tmp)
				if perr != nil {
					ready = preallocReady{err: perr}
				} else {
					if p.memlock {
						if lerr := published.Lock(); lerr != nil {
							level.Warn(p.logger).Log("msg", "prealloc: memlock failed", "segment", id, "err", lerr)
						}
					}
					ready = preallocReady{seg: published}
				}
			}
			select {
			case p.readyCh <- ready:
			default:
				// A stale unread entry occupies the slot; drop the
				// older one and replace it, since only the newest
				// preparation can still be relevant to the writer.
				select {
				case <-p.readyCh:
				default:
				}
				p.readyCh <- ready
			}
		}
	}
}
