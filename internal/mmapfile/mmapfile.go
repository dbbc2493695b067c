// Package mmapfile provides scoped acquisition of a file-backed memory
// region with guaranteed release on all exit paths. It is the lowest-level
// building block of the queue engine: every segment and the control block
// are backed by one of these. Reader position files are plain files and do
// not use it.
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a memory-mapped region backed by an open file descriptor.
type File struct {
	f      *os.File
	data   []byte
	locked bool
}

// Create truncates (or creates) the file at path to length and maps it
// read-write. If the file already exists it is resized, not replaced.
func Create(path string, length int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %w", path, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: truncate %s: %w", path, err)
	}
	return mapFile(f, length)
}

// CreateNew is like Create but fails if path already exists.
func CreateNew(path string, length int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: create %s: %w", path, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mmapfile: truncate %s: %w", path, err)
	}
	return mapFile(f, length)
}

// Open maps an existing file at its current length.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: stat %s: %w", path, err)
	}
	return mapFile(f, fi.Size())
}

func mapFile(f *os.File, length int64) (*File, error) {
	if length == 0 {
		// A zero-length mapping is never valid for our use; callers always
		// size the file before mapping.
		f.Close()
		return nil, fmt.Errorf("mmapfile: refusing to map zero-length file %s", f.Name())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: mmap %s: %w", f.Name(), err)
	}
	return &File{f: f, data: data}, nil
}

// Bytes returns the whole mapped region.
func (m *File) Bytes() []byte {
	return m.data
}

// Slice returns a sub-slice of the mapped region, equivalent to a mutable
// range view. Panics (via normal slice bounds rules) if out of range, which
// is the caller's bug to avoid, never a recoverable I/O condition.
func (m *File) Slice(offset, length int) []byte {
	return m.data[offset : offset+length]
}

// Len reports the size of the mapping in bytes.
func (m *File) Len() int {
	return len(m.data)
}

// FlushAsync schedules writeback without waiting for it to complete.
func (m *File) FlushAsync() error {
	if err := unix.Msync(m.data, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("mmapfile: msync async %s: %w", m.f.Name(), err)
	}
	return nil
}

// FlushSync blocks until the mapped pages are durably written back.
func (m *File) FlushSync() error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mmapfile: msync sync %s: %w", m.f.Name(), err)
	}
	return nil
}

// Sync fsyncs the backing file descriptor. Stronger (and usually cheaper
// once pages are already clean) than FlushSync for "make sure it's on disk"
// semantics.
func (m *File) Sync() error {
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("mmapfile: fsync %s: %w", m.f.Name(), err)
	}
	return nil
}

// Lock pins the mapped pages in RAM. Best-effort: callers that requested
// memlock but lack CAP_IPC_LOCK (or an equivalent rlimit) get an error they
// may choose to ignore.
func (m *File) Lock() error {
	if err := unix.Mlock(m.data); err != nil {
		return fmt.Errorf("mmapfile: mlock %s: %w", m.f.Name(), err)
	}
	m.locked = true
	return nil
}

// Close unmaps the region and closes the file descriptor. Safe to call more
// than once.
func (m *File) Close() error {
	if m.data == nil {
		return nil
	}
	if m.locked {
		_ = unix.Munlock(m.data)
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("mmapfile: close %s: %w", m.f.Name(), err)
	}
	return nil
}

// Name returns the path of the backing file, for diagnostics.
func (m *File) Name() string {
	return m.f.Name()
}

// Fd returns the underlying file descriptor, for advisory locking.
func (m *File) Fd() uintptr {
	return m.f.Fd()
}

// File exposes the backing *os.File, for callers (e.g. advisory locks) that
// need it directly rather than through Fd().
func (m *File) File() *os.File {
	return m.f
}
