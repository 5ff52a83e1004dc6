package kevent

import "fmt"

// ErrUnknownAddressFamily is returned when a socket address record carries
// an address family other than AF_INET or AF_INET6.
type ErrUnknownAddressFamily struct {
	Family uint16
}

func (e ErrUnknownAddressFamily) Error() string {
	return fmt.Sprintf("kevent: unknown address family %d", e.Family)
}

// ErrSliceTooShort is returned when a record's declared size exceeds the
// bytes actually captured.
type ErrSliceTooShort struct {
	Declared, Actual int
}

func (e ErrSliceTooShort) Error() string {
	return fmt.Sprintf("kevent: declared size %d exceeds captured %d bytes", e.Declared, e.Actual)
}

// SyscallError mirrors the kernel program's `size` field convention: a
// negative size is either EFAULT (-14) or an unrecognized errno.
type SyscallError struct {
	Code int32
}

func (e SyscallError) Error() string {
	if e.Code == -14 {
		return "kevent: fault (EFAULT)"
	}
	return fmt.Sprintf("kevent: syscall errno %d", e.Code)
}

// IsFault reports whether the error is the EFAULT sentinel.
func (e SyscallError) IsFault() bool { return e.Code == -14 }

// ClassifySize turns a kernel-reported signed size into either a byte count
// or a SyscallError, per the Fault(-14)/Unknown(e) taxonomy in the codec
// design.
func ClassifySize(size int32) (int, error) {
	if size < 0 {
		return 0, SyscallError{Code: size}
	}
	return int(size), nil
}
