// Package writerlock implements the single-writer exclusion and
// liveness-detection primitive: an advisory flock over a small file
// holding the current owner's {pid, writer_epoch}, with PID-liveness
// as the tiebreaker when the lock is busy but the recorded owner looks
// dead.
package writerlock

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const recordSize = 16 // pid uint64 + writer_epoch uint64

// Record is the decoded contents of writer.lock.
type Record struct {
	PID         uint64
	WriterEpoch uint64
}

// Lock is a held or observable advisory lock over writer.lock.
type Lock struct {
	f      *os.File
	locked bool
}

// ErrHeld is returned by Acquire when another live process holds the
// lock.
var ErrHeld = fmt.Errorf("writerlock: held by a live writer")

// Acquire tries to take the exclusive advisory lock on path, creating
// the file if needed. If the lock is busy but its recorded PID is zero,
// unreadable or no longer exists, Acquire tries the flock once more; it
// does not remove or rewrite the stale record before that retry. epoch is
// the new writer_epoch to record.
func Acquire(path string, epoch uint64) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("writerlock: open %s: %w", path, err)
	}

	ok, err := tryFlock(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !ok {
		rec, rerr := readRecord(f)
		if rerr == nil && rec.PID != 0 && processAlive(int(rec.PID)) {
			f.Close()
			return nil, ErrHeld
		}
		// Owner looks dead (or record unreadable): one more attempt.
		ok, err = tryFlock(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		if !ok {
			f.Close()
			return nil, ErrHeld
		}
	}

	l := &Lock{f: f, locked: true}
	if err := l.writeRecord(uint64(os.Getpid()), epoch); err != nil {
		l.Release()
		return nil, err
	}
	return l, nil
}

func tryFlock(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if err == unix.EWOULDBLOCK {
		return false, nil
	}
	return false, fmt.Errorf("writerlock: flock: %w", err)
}

// writeRecord durably persists {pid, epoch} into the already-locked
// file.
func (l *Lock) writeRecord(pid, epoch uint64) error {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(buf[0:], pid)
	binary.LittleEndian.PutUint64(buf[8:], epoch)
	if err := l.f.Truncate(recordSize); err != nil {
		return fmt.Errorf("writerlock: truncate: %w", err)
	}
	if _, err := l.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("writerlock: write: %w", err)
	}
	return l.f.Sync()
}

func readRecord(f *os.File) (Record, error) {
	buf := make([]byte, recordSize)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n < recordSize {
		return Record{}, err
	}
	return Record{
		PID:         binary.LittleEndian.Uint64(buf[0:]),
		WriterEpoch: binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}

// ReadRecord reads the current owner record at path without acquiring
// the lock, used by readers to classify writer liveness.
func ReadRecord(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()
	return readRecord(f)
}

// IsHeldByLiveProcess reports whether path's advisory lock is currently
// held by a process that is still alive (a non-blocking probe: attempts
// the lock itself and immediately releases it if acquired).
func IsHeldByLiveProcess(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	ok, err := tryFlock(f)
	if err != nil {
		return false, err
	}
	if ok {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return false, nil
	}
	return true, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Epoch returns the writer_epoch last written to this lock.
func (l *Lock) Epoch() (uint64, error) {
	rec, err := readRecord(l.f)
	if err != nil {
		return 0, err
	}
	return rec.WriterEpoch, nil
}

// SetEpoch overwrites the recorded writer_epoch, used once the writer has
// learned the authoritative epoch from the control block.
func (l *Lock) SetEpoch(epoch uint64) error {
	return l.writeRecord(uint64(os.Getpid()), epoch)
}

// Bump increments the recorded writer_epoch and re-persists it.
func (l *Lock) Bump() (uint64, error) {
	rec, err := readRecord(l.f)
	if err != nil {
		return 0, err
	}
	rec.WriterEpoch++
	if err := l.writeRecord(rec.PID, rec.WriterEpoch); err != nil {
		return 0, err
	}
	return rec.WriterEpoch, nil
}

// Release unlocks and closes the underlying file.
func (l *Lock) Release() error {
	if l.locked {
		_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
		l.locked = false
	}
	return l.f.Close()
}
