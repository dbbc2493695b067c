package header

import (
	"testing"

	"github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

// TestHeaderFieldsRoundTripFuzzed exercises WriteTo/ReadFrom and the commit
// word helpers against randomized field values, since the header is pure
// framing with no validation of its own beyond the commit-word/payload-len
// relationship.
func TestHeaderFieldsRoundTripFuzzed(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 1)

	for i := 0; i < 200; i++ {
		var seq uint64
		var ts int64
		var typeID, flags uint16
		var crc uint32
		var payloadLen uint16 // keep small so CommitLenForPayload always succeeds

		f.Fuzz(&seq)
		f.Fuzz(&ts)
		f.Fuzz(&typeID)
		f.Fuzz(&flags)
		f.Fuzz(&crc)
		f.Fuzz(&payloadLen)

		h := NewUncommitted(seq, ts, typeID, flags, crc)
		buf := make([]byte, Size)
		h.WriteTo(buf)

		commit, err := CommitLenForPayload(int(payloadLen))
		require.NoError(t, err)
		StoreCommitWord(buf, commit)

		got := ReadFrom(buf)
		require.Equal(t, h, got)

		gotLen, err := PayloadLenFromCommit(LoadCommitWord(buf))
		require.NoError(t, err)
		require.Equal(t, int(payloadLen), gotLen)
	}
}
