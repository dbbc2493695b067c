package writerlock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writer.lock")

	l, err := Acquire(path, 1)
	require.NoError(t, err)

	rec, err := ReadRecord(path)
	require.NoError(t, err)
	require.Equal(t, uint64(os.Getpid()), rec.PID)
	require.Equal(t, uint64(1), rec.WriterEpoch)

	require.NoError(t, l.Release())
}

func TestAcquireFailsWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writer.lock")

	l1, err := Acquire(path, 1)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(path, 2)
	require.ErrorIs(t, err, ErrHeld)
}

func TestBumpIncrementsEpoch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writer.lock")

	l, err := Acquire(path, 5)
	require.NoError(t, err)
	defer l.Release()

	epoch, err := l.Bump()
	require.NoError(t, err)
	require.Equal(t, uint64(6), epoch)

	epoch, err = l.Epoch()
	require.NoError(t, err)
	require.Equal(t, uint64(6), epoch)
}

func TestIsHeldByLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writer.lock")

	held, err := IsHeldByLiveProcess(path)
	require.NoError(t, err)
	require.False(t, held)

	l, err := Acquire(path, 1)
	require.NoError(t, err)

	held, err = IsHeldByLiveProcess(path)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, l.Release())

	held, err = IsHeldByLiveProcess(path)
	require.NoError(t, err)
	require.False(t, held)
}

func TestAcquireAfterReleaseSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writer.lock")

	l1, err := Acquire(path, 1)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(path, 2)
	require.NoError(t, err)
	defer l2.Release()

	rec, err := ReadRecord(path)
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.WriterEpoch)
}
