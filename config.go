package chronicle

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultSegmentSizeBytes is the default fixed segment size (128 MiB).
	DefaultSegmentSizeBytes int64 = 128 << 20
	// DefaultRetentionCheckInterval is how often the retention worker
	// re-evaluates on its ticker absent a fresher Notify.
	DefaultRetentionCheckInterval = 10 * time.Millisecond
	// DefaultRetentionCheckBytes is how many bytes the writer appends
	// between proactive retention signals.
	DefaultRetentionCheckBytes int64 = 1 << 20
	// DefaultReaderTTL is how long a reader's heartbeat may go stale
	// before retention treats it as abandoned.
	DefaultReaderTTL = 30 * time.Second
	// DefaultMaxReaderLag is the default byte lag beyond which a reader
	// is forcibly declared slow for retention purposes.
	DefaultMaxReaderLag uint64 = 10 << 30
	// DefaultSpinMicros is the spin budget of the reader's default wait
	// strategy before it begins the park protocol.
	DefaultSpinMicros = 10
)

// BackpressureKind selects how Append behaves when a capacity limit
// would otherwise be exceeded.
type BackpressureKind int

const (
	// FailFast asks retention to refresh once, then returns ErrQueueFull
	// immediately if still over the limit.
	FailFast BackpressureKind = iota
	// Block sleeps PollInterval (optionally bounded by Timeout) until
	// capacity frees up, returning ErrQueueFull only on deadline.
	Block
)

// BackpressurePolicy configures Append's behavior under a configured
// capacity limit (MaxBytes / MaxSegments).
type BackpressurePolicy struct {
	Kind         BackpressureKind
	Timeout      time.Duration // 0 = no deadline, only meaningful for Block
	PollInterval time.Duration
}

// DefaultBackpressurePolicy is FailFast, matching the spec's default.
func DefaultBackpressurePolicy() BackpressurePolicy {
	return BackpressurePolicy{Kind: FailFast}
}

// WaitKind selects the reader's waiting strategy inside Wait.
type WaitKind int

const (
	// BusySpin tight-loops polling the commit word, bounded by deadline.
	BusySpin WaitKind = iota
	// Sleep unconditionally sleeps for SleepDuration per iteration.
	Sleep
	// SpinThenPark spins for SpinMicros, then parks on the control
	// block's notify counter via the kernel parking primitive.
	SpinThenPark
)

// WaitStrategy configures (*Reader).Wait.
type WaitStrategy struct {
	Kind          WaitKind
	SleepDuration time.Duration
	SpinMicros    int
}

// DefaultWaitStrategy is SpinThenPark{10us}, the spec's reader default.
func DefaultWaitStrategy() WaitStrategy {
	return WaitStrategy{Kind: SpinThenPark, SpinMicros: DefaultSpinMicros}
}

// StartMode controls how a Reader resolves its initial position when
// its position file is absent, invalid, or points at a reclaimed
// segment.
type StartMode int

const (
	// ResumeStrict uses the position file unchanged; fails ErrCorrupt if
	// its segment no longer exists. With no position file it starts at
	// the beginning of segment 0.
	ResumeStrict StartMode = iota
	// ResumeSnapshot snaps to the oldest existing segment if the
	// position file's segment is missing.
	ResumeSnapshot
	// ResumeLatest snaps to the current head if the position file's
	// segment is missing.
	ResumeLatest
	// Latest always starts at the writer's current head, ignoring any
	// saved position.
	Latest
	// Earliest always starts at the oldest existing segment.
	Earliest
)

// WriterConfig holds every Writer tunable, populated by WriterOption
// closures applied in Open.
type WriterConfig struct {
	SegmentSizeBytes       int64
	MaxSegments            uint32
	MaxBytes               uint64
	Backpressure           BackpressurePolicy
	RetentionCheckInterval time.Duration
	RetentionCheckBytes    int64
	IndexFlushInterval     time.Duration
	IndexFlushRecords      uint32
	DeferSealSync          bool
	PreallocWait           time.Duration
	RequirePrealloc        bool
	Memlock                bool
	ReaderTTL              time.Duration
	MaxReaderLag           uint64
	SeekIndexStride        uint32

	Logger             log.Logger
	MetricsRegisterer  prometheus.Registerer
	EnableJournal      bool
	Clock              Clock
}

func defaultWriterConfig() WriterConfig {
	return WriterConfig{
		SegmentSizeBytes:       DefaultSegmentSizeBytes,
		Backpressure:           DefaultBackpressurePolicy(),
		RetentionCheckInterval: DefaultRetentionCheckInterval,
		RetentionCheckBytes:    DefaultRetentionCheckBytes,
		ReaderTTL:              DefaultReaderTTL,
		MaxReaderLag:           DefaultMaxReaderLag,
		SeekIndexStride:        4096,
		Logger:                 log.NewNopLogger(),
		MetricsRegisterer:      prometheus.DefaultRegisterer,
		Clock:                  SystemClock,
	}
}

// WriterOption configures a Writer at Open time, following the
// teacher's functional-options pattern.
type WriterOption func(*WriterConfig)

func WithSegmentSize(bytes int64) WriterOption {
	return func(c *WriterConfig) { c.SegmentSizeBytes = bytes }
}

func WithMaxSegments(n uint32) WriterOption {
	return func(c *WriterConfig) { c.MaxSegments = n }
}

func WithMaxBytes(n uint64) WriterOption {
	return func(c *WriterConfig) { c.MaxBytes = n }
}

func WithBackpressure(p BackpressurePolicy) WriterOption {
	return func(c *WriterConfig) { c.Backpressure = p }
}

func WithRetentionCheckInterval(d time.Duration) WriterOption {
	return func(c *WriterConfig) { c.RetentionCheckInterval = d }
}

func WithRetentionCheckBytes(n int64) WriterOption {
	return func(c *WriterConfig) { c.RetentionCheckBytes = n }
}

func WithIndexFlush(interval time.Duration, records uint32) WriterOption {
	return func(c *WriterConfig) { c.IndexFlushInterval = interval; c.IndexFlushRecords = records }
}

func WithDeferSealSync(on bool) WriterOption {
	return func(c *WriterConfig) { c.DeferSealSync = on }
}

func WithPreallocWait(d time.Duration) WriterOption {
	return func(c *WriterConfig) { c.PreallocWait = d }
}

func WithRequirePrealloc(require bool) WriterOption {
	return func(c *WriterConfig) { c.RequirePrealloc = require }
}

func WithMemlock(on bool) WriterOption {
	return func(c *WriterConfig) { c.Memlock = on }
}

func WithReaderTTL(d time.Duration) WriterOption {
	return func(c *WriterConfig) { c.ReaderTTL = d }
}

func WithMaxReaderLag(n uint64) WriterOption {
	return func(c *WriterConfig) { c.MaxReaderLag = n }
}

func WithSeekIndexStride(n uint32) WriterOption {
	return func(c *WriterConfig) { c.SeekIndexStride = n }
}

// WithLogger sets a go-kit/log logger, used exactly as the teacher
// wires go-kit/log + go-kit/log/level through every component.
func WithLogger(l log.Logger) WriterOption {
	return func(c *WriterConfig) { c.Logger = l }
}

// WithMetricsRegisterer sets the Prometheus registerer; pass nil to
// disable metrics registration entirely.
func WithMetricsRegisterer(r prometheus.Registerer) WriterOption {
	return func(c *WriterConfig) { c.MetricsRegisterer = r }
}

// WithJournal enables the optional bbolt segment-lifecycle journal.
func WithJournal(on bool) WriterOption {
	return func(c *WriterConfig) { c.EnableJournal = on }
}

// WithClock overrides the default system clock, primarily for tests
// that need to force heartbeat staleness deterministically.
func WithClock(cl Clock) WriterOption {
	return func(c *WriterConfig) { c.Clock = cl }
}

// ReaderConfig holds every Reader tunable, populated by ReaderOption
// closures applied in OpenReader.
type ReaderConfig struct {
	WaitStrategy WaitStrategy
	StartMode    StartMode
	Memlock      bool
	ReaderTTL    time.Duration

	Logger            log.Logger
	MetricsRegisterer prometheus.Registerer
	Clock             Clock

	// startSegment pins the initial segment explicitly, overriding
	// StartMode; set only by SegmentSource.OpenSegmentReader, which
	// needs to open a reader at a caller-chosen segment rather than
	// resuming from a saved position.
	startSegment *uint32
}

func defaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		WaitStrategy:      DefaultWaitStrategy(),
		StartMode:         ResumeStrict,
		ReaderTTL:         DefaultReaderTTL,
		Logger:            log.NewNopLogger(),
		MetricsRegisterer: prometheus.DefaultRegisterer,
		Clock:             SystemClock,
	}
}

// ReaderOption configures a Reader at OpenReader time.
type ReaderOption func(*ReaderConfig)

func WithWaitStrategy(ws WaitStrategy) ReaderOption {
	return func(c *ReaderConfig) { c.WaitStrategy = ws }
}

func WithStartMode(m StartMode) ReaderOption {
	return func(c *ReaderConfig) { c.StartMode = m }
}

func WithReaderMemlock(on bool) ReaderOption {
	return func(c *ReaderConfig) { c.Memlock = on }
}

func WithReaderTTLOption(d time.Duration) ReaderOption {
	return func(c *ReaderConfig) { c.ReaderTTL = d }
}

func WithReaderLogger(l log.Logger) ReaderOption {
	return func(c *ReaderConfig) { c.Logger = l }
}

func WithReaderMetricsRegisterer(r prometheus.Registerer) ReaderOption {
	return func(c *ReaderConfig) { c.MetricsRegisterer = r }
}

func WithReaderClock(cl Clock) ReaderOption {
	return func(c *ReaderConfig) { c.Clock = cl }
}
