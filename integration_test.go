package chronicle

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// freshMetrics gives each Open/OpenReader call its own registry so many
// writers/readers can coexist in one test binary without a duplicate
// collector panic.
func freshMetrics() WriterOption { return WithMetricsRegisterer(prometheus.NewRegistry()) }
func freshReaderMetrics() ReaderOption {
	return WithReaderMetricsRegisterer(prometheus.NewRegistry())
}

// fakeClock is a manually advanced Clock, for deterministically forcing
// heartbeat/TTL behavior instead of depending on real elapsed time.
type fakeClock struct{ nowNs int64 }

func (c *fakeClock) NowNanos() int64 { return c.nowNs }
func (c *fakeClock) advance(d time.Duration) { c.nowNs += int64(d) }

func TestAppendAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, freshMetrics())
	require.NoError(t, err)
	defer w.Close()

	want := [][]byte{
		[]byte("first record"),
		[]byte("second record"),
		[]byte(""),
		[]byte("fourth record, a bit longer than the others"),
	}
	for i, payload := range want {
		require.NoError(t, w.Append(uint16(i), payload))
	}
	require.NoError(t, w.Sync())

	r, err := OpenReader(dir, "consumer-a", WithStartMode(Earliest), freshReaderMetrics())
	require.NoError(t, err)
	defer r.Close()

	for i, payload := range want {
		rec, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, uint64(i), rec.Seq)
		require.Equal(t, uint16(i), rec.TypeID)
		require.Equal(t, payload, rec.Payload)
	}

	_, err = r.Next()
	require.ErrorIs(t, err, ErrNoData)

	stats := w.Stats()
	require.Equal(t, uint64(len(want)), stats.RecordsAppended)
}

func TestSegmentRollAcrossMultipleSegments(t *testing.T) {
	dir := t.TempDir()

	// Small enough that a handful of records force several rolls.
	w, err := Open(dir, WithSegmentSize(2048), freshMetrics())
	require.NoError(t, err)
	defer w.Close()

	const n = 200
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf("payload-%04d", i))
		require.NoError(t, w.Append(1, payload))
	}
	require.NoError(t, w.Sync())

	stats := w.Stats()
	require.Greater(t, stats.SegmentRolls, uint64(0), "expected at least one roll at this segment size")

	segs, err := w.DiscoverSegments()
	require.NoError(t, err)
	require.Greater(t, len(segs), 1)

	r, err := OpenReader(dir, "roll-reader", WithStartMode(Earliest), freshReaderMetrics())
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < n; i++ {
		rec, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, uint64(i), rec.Seq)
		require.Equal(t, fmt.Sprintf("payload-%04d", i), string(rec.Payload))
	}
	_, err = r.Next()
	require.ErrorIs(t, err, ErrNoData)
}

// TestCrashRecoveryRepairsTornTail simulates a writer that crashed mid
// append: the commit word of the last record was never released-stored,
// leaving a torn header at the tail of the active segment. A fresh Open
// against the same directory must detect and repair that tail rather than
// corrupting subsequent appends or exposing the torn record to readers.
func TestCrashRecoveryRepairsTornTail(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, WithSegmentSize(8192), freshMetrics())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(1, []byte(fmt.Sprintf("rec-%d", i))))
	}
	require.NoError(t, w.Sync())

	stats := w.Stats()
	segPath := filepath.Join(dir, fmt.Sprintf("%09d.q", stats.CurrentSegment))

	// Simulate a torn write: a header with a non-zero seq/crc but a commit
	// word of zero, sitting right after the last good record.
	f, err := os.OpenFile(segPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	tornHeader := make([]byte, 64)
	tornHeader[8] = 0xAA // garbage seq bytes, commit word (first 4 bytes) left zero
	_, err = f.WriteAt(tornHeader, int64(stats.WriteOffset))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, w.Close())

	// Reopening must resume cleanly at the true (pre-torn) write offset
	// and accept new appends without treating the torn bytes as committed.
	w2, err := Open(dir, WithSegmentSize(8192), freshMetrics())
	require.NoError(t, err)
	defer w2.Close()

	resumed := w2.Stats()
	require.Equal(t, stats.WriteOffset, resumed.WriteOffset)

	require.NoError(t, w2.Append(1, []byte("post-recovery")))
	require.NoError(t, w2.Sync())

	r, err := OpenReader(dir, "crash-reader", WithStartMode(Earliest), freshReaderMetrics())
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 5; i++ {
		rec, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("rec-%d", i), string(rec.Payload))
	}
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "post-recovery", string(rec.Payload))

	_, err = r.Next()
	require.ErrorIs(t, err, ErrNoData)
}

// TestRetentionReclaimsBehindReaderWithFakeClock drives retention with a
// reader pinned far in the past (via a fake clock), forcing its heartbeat
// to read as stale relative to real wall time so the worker treats it as
// abandoned and reclaims segments behind the writer head instead of
// behind the (ignored) reader position.
func TestRetentionReclaimsBehindReaderWithFakeClock(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir,
		WithSegmentSize(2048),
		WithReaderTTL(50*time.Millisecond),
		WithRetentionCheckInterval(5*time.Millisecond),
		freshMetrics(),
	)
	require.NoError(t, err)
	defer w.Close()

	rc := &fakeClock{nowNs: 1} // frozen far in the past relative to real time.Now()
	r, err := OpenReader(dir, "stale-reader", WithStartMode(Earliest), WithReaderClock(rc), freshReaderMetrics())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, w.Append(1, []byte("payload-first")))
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(0), rec.Seq)
	require.NoError(t, r.Commit()) // persists HeartbeatNs = rc.nowNs = 1, already "ancient"

	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, w.Append(1, []byte(fmt.Sprintf("payload-%04d", i))))
	}
	require.NoError(t, w.Sync())
	w.RequestCleanup()

	require.Eventually(t, func() bool {
		segs, err := w.DiscoverSegments()
		return err == nil && len(segs) <= 2
	}, 2*time.Second, 10*time.Millisecond, "expected retention to reclaim segments behind an abandoned reader")
}

func TestReaderSeekByTimestamp(t *testing.T) {
	dir := t.TempDir()

	clock := &fakeClock{nowNs: 1_000_000}
	w, err := Open(dir, WithSegmentSize(4096), WithClock(clock), WithSeekIndexStride(1), freshMetrics())
	require.NoError(t, err)
	defer w.Close()

	var timestamps []int64
	for i := 0; i < 20; i++ {
		clock.advance(time.Millisecond)
		require.NoError(t, w.Append(1, []byte(fmt.Sprintf("rec-%d", i))))
		timestamps = append(timestamps, clock.nowNs)
	}
	require.NoError(t, w.Sync())

	r, err := OpenReader(dir, "seek-reader", freshReaderMetrics())
	require.NoError(t, err)
	defer r.Close()

	target := timestamps[10]
	require.NoError(t, r.SeekTimestamp(target))

	rec, err := r.Next()
	require.NoError(t, err)
	require.GreaterOrEqual(t, rec.TimestampNs, target)
	require.Equal(t, "rec-10", string(rec.Payload))
}

func TestReaderWaitWakesOnAppend(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, freshMetrics())
	require.NoError(t, err)
	defer w.Close()

	r, err := OpenReader(dir, "waiter",
		WithStartMode(Earliest),
		WithWaitStrategy(WaitStrategy{Kind: SpinThenPark, SpinMicros: 10}),
		freshReaderMetrics())
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.ErrorIs(t, err, ErrNoData)

	done := make(chan error, 1)
	go func() {
		done <- r.Wait(2 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Append(1, []byte("wake me")))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after append")
	}

	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "wake me", string(rec.Payload))
}

func TestAppendRejectsOversizedPayload(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, WithSegmentSize(4096), freshMetrics())
	require.NoError(t, err)
	defer w.Close()

	err = w.Append(1, make([]byte, 4096))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestAppendRejectsPaddingTypeID(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, freshMetrics())
	require.NoError(t, err)
	defer w.Close()

	err = w.Append(0xFFFF, []byte("nope"))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestSecondWriterRejectedWhileFirstIsLive(t *testing.T) {
	dir := t.TempDir()
	w1, err := Open(dir, freshMetrics())
	require.NoError(t, err)
	defer w1.Close()

	_, err = Open(dir, freshMetrics())
	require.ErrorIs(t, err, ErrWriterAlreadyActive)
}

func TestReaderResumesFromCommittedPosition(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, freshMetrics())
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Append(1, []byte(fmt.Sprintf("r%d", i))))
	}
	require.NoError(t, w.Sync())

	r, err := OpenReader(dir, "resumable", WithStartMode(Earliest), freshReaderMetrics())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := r.Next()
		require.NoError(t, err)
	}
	require.NoError(t, r.Commit())
	require.NoError(t, r.Close())

	r2, err := OpenReader(dir, "resumable", freshReaderMetrics())
	require.NoError(t, err)
	defer r2.Close()

	rec, err := r2.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(5), rec.Seq)
}

// TestSegmentRollWithDeferredSealSync drives several rolls with
// DeferSealSync enabled, so each sealed segment's durable sync (and
// close) happens on the async-seal worker rather than on roll()'s own
// hot path. Every appended record must still be readable afterward,
// proving the handed-off segment isn't closed out from under the worker.
func TestSegmentRollWithDeferredSealSync(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, WithSegmentSize(2048), WithDeferSealSync(true), freshMetrics())
	require.NoError(t, err)
	defer w.Close()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, w.Append(1, []byte(fmt.Sprintf("payload-%04d", i))))
	}
	require.NoError(t, w.Sync())

	stats := w.Stats()
	require.Greater(t, stats.SegmentRolls, uint64(0), "expected at least one roll at this segment size")

	r, err := OpenReader(dir, "deferred-seal-reader", WithStartMode(Earliest), freshReaderMetrics())
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < n; i++ {
		rec, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, uint64(i), rec.Seq)
		require.Equal(t, fmt.Sprintf("payload-%04d", i), string(rec.Payload))
	}
	_, err = r.Next()
	require.ErrorIs(t, err, ErrNoData)
}

// TestAppendFailsFastWhenOverMaxSegments drives MaxSegments down to a
// floor with no reader ever advancing past the earliest segment, so
// the retention worker's published MinLiveGlobal never frees capacity,
// and confirms the FailFast policy returns ErrQueueFull once the
// backlog behind that position exceeds the limit.
func TestAppendFailsFastWhenOverMaxSegments(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir,
		WithSegmentSize(1024),
		WithMaxSegments(2),
		WithRetentionCheckInterval(2*time.Millisecond),
		WithBackpressure(BackpressurePolicy{Kind: FailFast}),
		freshMetrics(),
	)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(1, []byte("payload-0000")))
	r, err := OpenReader(dir, "pinned-reader", WithStartMode(Earliest), freshReaderMetrics())
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Next()
	require.NoError(t, err)
	require.NoError(t, r.Commit()) // pins MinLiveGlobal at segment 0, offset just past record 0

	var lastErr error
	for i := 1; i < 500; i++ {
		if lastErr = w.Append(1, []byte(fmt.Sprintf("payload-%04d", i))); lastErr != nil {
			break
		}
	}
	require.ErrorIs(t, lastErr, ErrQueueFull)
}

func TestWriterAndReaderDisconnectDetection(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{nowNs: 1}
	w, err := Open(dir, WithClock(clock), WithReaderTTL(10*time.Millisecond), freshMetrics())
	require.NoError(t, err)
	require.NoError(t, w.Append(1, []byte("hello")))

	r, err := OpenReader(dir, "disconnect-watcher", WithStartMode(Earliest), WithReaderClock(clock), WithReaderTTLOption(10*time.Millisecond), freshReaderMetrics())
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, DisconnectNone, r.DetectDisconnect(10*time.Millisecond))

	require.NoError(t, w.Close())

	require.Equal(t, DisconnectWriterLockLost, r.DetectDisconnect(10*time.Millisecond))
}
