package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronicle-db/chronicle/internal/header"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, 4096)

	seg, err := st.Create(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), seg.ID)
	require.False(t, seg.Sealed())
	require.NoError(t, seg.Close())

	seg2, err := st.Open(0)
	require.NoError(t, err)
	defer seg2.Close()
	h, err := seg2.Header()
	require.NoError(t, err)
	require.Equal(t, Magic, h.Magic)
	require.Equal(t, uint32(0), h.SegmentID)
}

func TestCreateAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, 4096)
	seg, err := st.Create(1)
	require.NoError(t, err)
	seg.Close()

	_, err = st.Create(1)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestOpenNotFound(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, 4096)
	_, err := st.Open(5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSealIdempotent(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, 4096)
	seg, err := st.Create(0)
	require.NoError(t, err)
	defer seg.Close()

	require.NoError(t, seg.Seal())
	require.True(t, seg.Sealed())
	require.NoError(t, seg.Seal())
	require.True(t, seg.Sealed())
}

func TestPrepareTempAndPublish(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, 4096)

	tmp, err := st.PrepareTemp(3)
	require.NoError(t, err)

	final, err := st.Publish(tmp)
	require.NoError(t, err)
	defer final.Close()

	ids, err := st.Discover()
	require.NoError(t, err)
	require.Equal(t, []uint32{3}, ids)
}

func TestDiscoverOrdersAscending(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, 4096)
	for _, id := range []uint32{3, 1, 2} {
		seg, err := st.Create(id)
		require.NoError(t, err)
		seg.Close()
	}
	ids, err := st.Discover()
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3}, ids)
}

func TestDeleteNeverErrorsIfAlreadyGone(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, 4096)
	require.NoError(t, st.Delete(99))
}

func TestRepairUnsealedTailWritesPaddingAndSeals(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, 4096)
	seg, err := st.Create(0)
	require.NoError(t, err)
	defer seg.Close()

	data := seg.Data()
	// Write one committed record by hand.
	payload := []byte("hi")
	h := header.NewUncommitted(0, 100, 1, 0, header.CRC32(payload))
	rec := data[0:header.Size]
	h.WriteTo(rec)
	copy(data[header.Size:header.Size+len(payload)], payload)
	commit, err := header.CommitLenForPayload(len(payload))
	require.NoError(t, err)
	header.StoreCommitWord(rec, commit)

	tailOffset, err := seg.RepairUnsealedTail()
	require.NoError(t, err)
	require.Equal(t, header.RecordLen(len(payload)), tailOffset)
	require.True(t, seg.Sealed())

	// The slot right after the real record should now be a committed
	// padding record.
	padRec := data[tailOffset : tailOffset+header.Size]
	padCommit := header.LoadCommitWord(padRec)
	require.NotZero(t, padCommit)
	padHdr := header.ReadFrom(padRec)
	require.Equal(t, header.PaddingTypeID, padHdr.TypeID)
}

func TestValidateSize(t *testing.T) {
	_, err := ValidateSize(1)
	require.Error(t, err)
	n, err := ValidateSize(4096)
	require.NoError(t, err)
	require.Equal(t, int64(4096), n)
}
