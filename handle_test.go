package bpffs

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// pipeHandle returns a Handle over the read end of a fresh pipe together with
// the write end, so tests can prove a descriptor still works by reading.
func pipeHandle(t *testing.T) (*Handle, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	fd, err := unix.Dup(int(r.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	_ = r.Close()
	h, err := NewHandle(fd)
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	t.Cleanup(func() {
		_ = h.Close()
		_ = w.Close()
	})
	return h, w
}

func TestNewHandle_RejectsNegative(t *testing.T) {
	if _, err := NewHandle(-1); err == nil {
		t.Fatal("expected error for fd -1")
	}
}

func TestHandle_DupIsIndependent(t *testing.T) {
	h, w := pipeHandle(t)

	dup, err := h.Dup()
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	defer dup.Close()

	if dup.FD() == h.FD() {
		t.Fatalf("dup shares fd %d with original", dup.FD())
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close original: %v", err)
	}
	if h.Valid() {
		t.Error("closed handle reports Valid")
	}
	if !dup.Valid() {
		t.Fatal("duplicate invalidated by closing the original")
	}

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("write pipe: %v", err)
	}
	buf := make([]byte, 1)
	n, err := unix.Read(dup.FD(), buf)
	if err != nil || n != 1 || buf[0] != 'x' {
		t.Fatalf("read through duplicate: n=%d err=%v buf=%q", n, err, buf)
	}
}

func TestHandle_CloseIdempotent(t *testing.T) {
	h, _ := pipeHandle(t)
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if h.FD() != -1 {
		t.Errorf("FD after Close = %d, want -1", h.FD())
	}
	if _, err := h.Dup(); err == nil {
		t.Error("Dup after Close should fail")
	}
}
