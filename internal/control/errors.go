package control

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrCorruptMetadata indicates control.meta has the wrong size, magic, or
// failed a structural check.
var ErrCorruptMetadata = errors.New("control: corrupt metadata")

// UnsupportedVersionError is returned when control.meta's on-disk version
// is newer or older than this binary understands.
type UnsupportedVersionError struct {
	Version uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("control: unsupported version %d", e.Version)
}

func bytesReader(buf []byte) io.Reader {
	return bytes.NewReader(buf)
}
