package seekindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildAndFlush(t *testing.T, root string, segmentID uint32, stride uint32, n int) *Builder {
	t.Helper()
	b := NewBuilder(segmentID, stride)
	for i := 0; i < n; i++ {
		b.Observe(uint64(i), int64(i)*1000, uint64(i)*128)
	}
	require.NoError(t, b.Flush(root))
	return b
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	buildAndFlush(t, root, 5, 4, 17)

	raw, err := os.ReadFile(Path(root, 5))
	require.NoError(t, err)

	idx, err := Load(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(5), idx.Header.SegmentID)
	require.Equal(t, uint64(0), idx.Header.MinSeq)
	require.Equal(t, uint64(16), idx.Header.MaxSeq)
	// entries at count 0,4,8,12,16 -> 5 entries
	require.Len(t, idx.Entries, 5)
}

func TestSeekSeqFindsFloor(t *testing.T) {
	root := t.TempDir()
	buildAndFlush(t, root, 1, 4, 20)
	raw, err := os.ReadFile(Path(root, 1))
	require.NoError(t, err)
	idx, err := Load(raw)
	require.NoError(t, err)

	off, ok := idx.SeekSeq(10)
	require.True(t, ok)
	require.Equal(t, uint64(8)*128, off)

	_, ok = idx.SeekSeq(idx.Header.MinSeq - 1)
	require.False(t, ok)
}

func TestSeekTimestampFindsFloor(t *testing.T) {
	root := t.TempDir()
	buildAndFlush(t, root, 2, 4, 20)
	raw, err := os.ReadFile(Path(root, 2))
	require.NoError(t, err)
	idx, err := Load(raw)
	require.NoError(t, err)

	off, ok := idx.SeekTimestamp(9500)
	require.True(t, ok)
	require.Equal(t, uint64(8)*128, off)
}

func TestSelectSegmentForSeq(t *testing.T) {
	headers := []Header{
		{SegmentID: 0, MinSeq: 0, MaxSeq: 99},
		{SegmentID: 1, MinSeq: 100, MaxSeq: 199},
		{SegmentID: 2, MinSeq: 200, MaxSeq: 299},
	}
	id, ok := SelectSegmentForSeq(headers, 150)
	require.True(t, ok)
	require.Equal(t, uint32(1), id)

	// past the tail -> falls back to last segment whose max < target
	id, ok = SelectSegmentForSeq(headers, 1000)
	require.True(t, ok)
	require.Equal(t, uint32(2), id)

	_, ok = SelectSegmentForSeq(nil, 5)
	require.False(t, ok)
}

func TestSelectSegmentForTimestamp(t *testing.T) {
	headers := []Header{
		{SegmentID: 0, MinTS: 0, MaxTS: 999},
		{SegmentID: 1, MinTS: 1000, MaxTS: 1999},
	}
	id, ok := SelectSegmentForTimestamp(headers, 1500)
	require.True(t, ok)
	require.Equal(t, uint32(1), id)
}

func TestFlushEmptyBuilder(t *testing.T) {
	root := t.TempDir()
	b := NewBuilder(9, DefaultStride)
	require.NoError(t, b.Flush(root))

	raw, err := os.ReadFile(Path(root, 9))
	require.NoError(t, err)
	idx, err := Load(raw)
	require.NoError(t, err)
	require.Empty(t, idx.Entries)
}

func TestResetClearsState(t *testing.T) {
	root := t.TempDir()
	b := NewBuilder(1, 4)
	for i := 0; i < 10; i++ {
		b.Observe(uint64(i), int64(i), uint64(i))
	}
	b.Reset(2)
	require.NoError(t, b.Flush(root))

	raw, err := os.ReadFile(Path(root, 2))
	require.NoError(t, err)
	idx, err := Load(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(2), idx.Header.SegmentID)
	require.Empty(t, idx.Entries)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "bad.idx")
	require.NoError(t, os.WriteFile(path, make([]byte, headerSize), 0o644))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = Load(raw)
	require.Error(t, err)
}
