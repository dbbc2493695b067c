package chronicle

import (
	"github.com/chronicle-db/chronicle/internal/seekindex"
)

// SegmentSource is what a time-partitioned table layer built on top of
// this package would consume to build cross-partition merged reads. It
// is implemented by *Writer but not called from anywhere in this repo.
type SegmentSource interface {
	// DiscoverSegments returns the ids of every currently published
	// segment, ascending.
	DiscoverSegments() ([]uint32, error)
	// OpenSegmentReader opens a Reader positioned at the start of
	// segmentID.
	OpenSegmentReader(segmentID uint32, opts ...ReaderOption) (*Reader, error)
	// SeekIndexFor loads the seek index for segmentID, if one has been
	// flushed.
	SeekIndexFor(segmentID uint32) (*seekindex.Index, error)
}

// RetentionHook is what an external archival sweeper would call before
// compressing a sealed segment into a cold tier, to confirm no live
// reader still needs the raw segment before deleting the source.
type RetentionHook interface {
	// MinLiveReaderPosition returns the minimum (segment, offset)
	// position among live readers, below which no reader will ever
	// read again.
	MinLiveReaderPosition() (segmentID uint32, offset uint64)
	// RequestCleanup asks the retention worker to re-evaluate now
	// rather than waiting for its next tick.
	RequestCleanup()
}
