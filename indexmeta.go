package chronicle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	natatomic "github.com/natefinch/atomic"
)

// indexMetaSize is the 16-byte snapshot of (current_segment,
// write_offset) persisted to index.meta: a best-effort fast-path hint
// for the writer's open sequence, cross-checked against (and always
// superseded by) the control block's seqlocked pair.
const indexMetaSize = 16

type indexMeta struct {
	CurrentSegment uint64
	WriteOffset    uint64
}

func indexMetaPath(dir string) string {
	return filepath.Join(dir, "index.meta")
}

func loadIndexMeta(dir string) (indexMeta, error) {
	raw, err := os.ReadFile(indexMetaPath(dir))
	if err != nil {
		return indexMeta{}, err
	}
	if len(raw) != indexMetaSize {
		return indexMeta{}, fmt.Errorf("chronicle: index.meta has size %d, want %d", len(raw), indexMetaSize)
	}
	return indexMeta{
		CurrentSegment: binary.LittleEndian.Uint64(raw[0:]),
		WriteOffset:    binary.LittleEndian.Uint64(raw[8:]),
	}, nil
}

func saveIndexMeta(dir string, m indexMeta) error {
	buf := make([]byte, indexMetaSize)
	binary.LittleEndian.PutUint64(buf[0:], m.CurrentSegment)
	binary.LittleEndian.PutUint64(buf[8:], m.WriteOffset)
	return natatomic.WriteFile(indexMetaPath(dir), bytes.NewReader(buf))
}
