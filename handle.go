package bpffs

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// errClosed is returned by Dup on a handle that has already been closed.
var errClosed = errors.New("bpffs: handle closed")

// Handle is a process-local reference to a kernel object (a loaded program
// or a map). The integer value is only meaningful inside the process holding
// it; moving a handle to another process always goes through a duplication
// over the descriptor transport.
//
// A Handle exclusively owns its file descriptor. Dup mints an independent
// reference to the same kernel object; the kernel keeps the object alive
// until every reference is closed.
type Handle struct {
	mu sync.Mutex
	fd int
}

// NewHandle takes ownership of fd. The caller must not close fd afterwards.
func NewHandle(fd int) (*Handle, error) {
	if fd < 0 {
		return nil, fmt.Errorf("bpffs: invalid file descriptor %d", fd)
	}
	return &Handle{fd: fd}, nil
}

// FD returns the raw descriptor, or -1 once the handle is closed. The value
// is borrowed: it must not be closed or retained past the handle's lifetime.
func (h *Handle) FD() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fd
}

// Dup returns a new Handle referring to the same kernel object. The
// duplicate is close-on-exec and is closed independently of h.
func (h *Handle) Dup() (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return nil, errClosed
	}
	fd, err := unix.FcntlInt(uintptr(h.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("bpffs: dup fd %d: %w", h.fd, err)
	}
	return &Handle{fd: fd}, nil
}

// Valid reports whether the handle still refers to an open descriptor.
func (h *Handle) Valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return false
	}
	_, err := unix.FcntlInt(uintptr(h.fd), unix.F_GETFD, 0)
	return err == nil
}

// Release transfers ownership of the descriptor to the caller and leaves h
// closed. It returns -1 if h was already closed.
func (h *Handle) Release() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	fd := h.fd
	h.fd = -1
	return fd
}

// Close releases this reference. Close is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return nil
	}
	fd := h.fd
	h.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("bpffs: close fd %d: %w", fd, err)
	}
	return nil
}

// String implements fmt.Stringer for log output.
func (h *Handle) String() string {
	return fmt.Sprintf("fd:%d", h.FD())
}
