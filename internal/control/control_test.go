package control

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreatePublishWaitReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.meta")
	b, err := Create(path, 128<<20, 0, 64, 1)
	require.NoError(t, err)
	defer b.Close()

	b.Publish()
	require.NoError(t, b.WaitReady(time.Second))

	require.Equal(t, int64(128<<20), b.SegmentSize())
	require.Equal(t, uint64(1), b.WriterEpoch())

	seg, off := b.SegmentIndex()
	require.Equal(t, uint32(0), seg)
	require.Equal(t, uint64(64), off)
}

func TestWaitReadyTimesOutIfNeverPublished(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.meta")
	b, err := Create(path, 4096, 0, 64, 1)
	require.NoError(t, err)
	defer b.Close()

	err = b.WaitReady(10 * time.Millisecond)
	require.Error(t, err)
}

func TestSetSegmentIndexSeqlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.meta")
	b, err := Create(path, 4096, 0, 64, 1)
	require.NoError(t, err)
	defer b.Close()
	b.Publish()

	b.SetSegmentIndex(3, 128)
	seg, off := b.SegmentIndex()
	require.Equal(t, uint32(3), seg)
	require.Equal(t, uint64(128), off)
	require.Equal(t, uint32(3), b.CurrentSegmentHint())
}

func TestNotifyAndWaiters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.meta")
	b, err := Create(path, 4096, 0, 64, 1)
	require.NoError(t, err)
	defer b.Close()
	b.Publish()

	require.Equal(t, uint32(0), b.WaitersPending())
	require.Equal(t, uint32(1), b.IncWaiters())
	require.Equal(t, uint32(1), b.WaitersPending())
	require.Equal(t, uint32(0), b.DecWaiters())

	require.Equal(t, uint32(1), b.BumpNotifySeq())
	require.Equal(t, uint32(1), b.NotifySeq())
}

func TestHeartbeat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.meta")
	b, err := Create(path, 4096, 0, 64, 1)
	require.NoError(t, err)
	defer b.Close()
	b.Publish()

	require.Equal(t, int64(0), b.Heartbeat())
	b.SetHeartbeat(12345)
	require.Equal(t, int64(12345), b.Heartbeat())
}

func TestOpenValidatesSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.meta")
	b, err := Create(path, 4096, 0, 64, 1)
	require.NoError(t, err)
	b.Close()

	b2, err := Open(path)
	require.NoError(t, err)
	defer b2.Close()
}
