// SPDX-License-Identifier: Apache-2.0

package bpf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tripwire/bpffs"
)

// TracePipePaths are the tracefs trace pipe locations probed in order when
// no explicit path is configured.
var TracePipePaths = []string{
	"/sys/kernel/tracing/trace_pipe",
	"/sys/kernel/debug/tracing/trace_pipe",
}

// TraceSink reads lines that programs emit with bpf_trace_printk.
//
// The pipe is opened non-blocking: ReadAvailable returns what is buffered
// right now and never waits for more. Reading consumes lines for every
// reader on the system.
type TraceSink struct {
	mu      sync.Mutex
	fd      int
	path    string
	partial []byte
}

// OpenTraceSink opens the trace pipe at path. An empty path probes
// TracePipePaths.
func OpenTraceSink(path string) (*TraceSink, error) {
	candidates := TracePipePaths
	if path != "" {
		candidates = []string{path}
	}
	var errs []error
	for _, p := range candidates {
		fd, err := unix.Open(p, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			return &TraceSink{fd: fd, path: p}, nil
		}
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("%w: open %s: %v", bpffs.ErrPermission, p, err)
		}
		errs = append(errs, &os.PathError{Op: "open", Path: p, Err: err})
	}
	return nil, fmt.Errorf("bpf: no trace pipe available: %w", errors.Join(errs...))
}

// Path returns the pipe the sink reads from.
func (t *TraceSink) Path() string { return t.path }

// ReadAvailable drains complete lines currently buffered in the pipe. A
// trailing partial line is held back until its newline arrives.
func (t *TraceSink) ReadAvailable() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil, os.ErrClosed
	}

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(t.fd, buf)
		if n > 0 {
			t.partial = append(t.partial, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				break
			}
			return t.takeLines(), fmt.Errorf("bpf: read %s: %w", t.path, err)
		}
		if n == 0 {
			break
		}
	}
	return t.takeLines(), nil
}

func (t *TraceSink) takeLines() []string {
	var lines []string
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(t.partial[:i]))
		t.partial = t.partial[i+1:]
	}
	if len(t.partial) == 0 {
		t.partial = nil
	}
	return lines
}

// Follow polls the pipe every interval and hands each line to fn until ctx
// is cancelled or fn returns an error.
func (t *TraceSink) Follow(ctx context.Context, interval time.Duration, fn func(string) error) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		lines, err := t.ReadAvailable()
		for _, l := range lines {
			if ferr := fn(l); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close closes the pipe. Close is idempotent.
func (t *TraceSink) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil
	}
	fd := t.fd
	t.fd = -1
	return unix.Close(fd)
}
