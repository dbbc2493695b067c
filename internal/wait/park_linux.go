//go:build linux

// Package wait implements the kernel parking primitive the reader's
// SpinThenPark wait strategy uses once its spin budget is exhausted: a
// direct futex wait/wake on the control block's notify_seq counter. On
// Linux this is a real futex; see park_other.go for the portable fallback.
package wait

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Park blocks the calling goroutine until *addr no longer equals expected,
// a wake arrives on addr, timeout elapses, or the kernel returns a spurious
// wakeup — any of which is a valid, safe return per the spec's park
// protocol (the caller always re-checks its condition after Park returns).
func Park(addr *uint32, expected uint32, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(expected),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	default:
		return errno
	}
}

// Wake wakes up to n goroutines/threads parked on addr via Park.
func Wake(addr *uint32, n int32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
