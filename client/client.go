// Package client is the consumer-side API of bpffs.
//
// A program that wants to use a function loaded by bpffsd requests its
// handle over the descriptor transport and binds it to a kernel event:
//
//	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	h, err := client.RequestHandle(ctx, client.DefaultSocket, "functions/hello/fd")
//	if err != nil { ... }
//	defer h.Close()
//	link, err := client.Attach(h, "kprobe:schedule")
//	if err != nil { ... }
//	defer link.Close()
//
// The handle is local to the calling process. It stays valid after the
// daemon destroys the function; the kernel frees the program once every
// holder has closed its reference.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/fdpass"
)

// DefaultSocket is the transport socket bpffsd listens on by default.
const DefaultSocket = "/run/bpffs/fd.sock"

// DefaultTimeout applies when RequestHandle is called without a deadline.
const DefaultTimeout = 10 * time.Second

// Link is a live attachment. Closing it detaches the program.
type Link = bpf.Link

// EventSource binds handles to kernel events.
type EventSource interface {
	Attach(h *bpffs.Handle, ev bpf.Event) (Link, error)
}

// EventSourceFunc adapts a function to EventSource.
type EventSourceFunc func(h *bpffs.Handle, ev bpf.Event) (Link, error)

// Attach calls f.
func (f EventSourceFunc) Attach(h *bpffs.Handle, ev bpf.Event) (Link, error) { return f(h, ev) }

// Kernel is the EventSource backed by the running kernel.
var Kernel EventSource = EventSourceFunc(bpf.Attach)

// Client requests handles from one transport endpoint.
type Client struct {
	socket     string
	events     EventSource
	logger     *slog.Logger
	initialGap time.Duration
	maxGap     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithEventSource replaces the kernel event source, mainly for tests.
func WithEventSource(es EventSource) Option {
	return func(c *Client) { c.events = es }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBackoff sets the dial retry interval bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initialGap = initial
		c.maxGap = max
	}
}

// New returns a Client for the transport socket at socket.
func New(socket string, opts ...Option) *Client {
	c := &Client{
		socket:     socket,
		events:     Kernel,
		logger:     slog.Default(),
		initialGap: 10 * time.Millisecond,
		maxGap:     250 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestHandle asks the daemon for the handle behind path, an fd entry
// such as "functions/hello/fd". It waits for the function to load, retrying
// the connection with exponential backoff while the endpoint is missing,
// until ctx ends; then it fails with bpffs.ErrNotReady. Every call returns
// a fresh duplicate owned by the caller.
func (c *Client) RequestHandle(ctx context.Context, path string) (*bpffs.Handle, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialGap
	b.MaxInterval = c.maxGap
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		conn, err := fdpass.Dial(ctx, c.socket)
		if err == nil {
			h, resp, ferr := fdpass.Fetch(ctx, conn, path)
			conn.Close()
			if ferr == nil {
				c.logger.Debug("client: handle received",
					slog.String("path", path),
					slog.String("lease", resp.Lease),
					slog.String("handle", h.String()),
				)
			}
			return h, ferr
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", bpffs.ErrNotReady, c.socket, errors.Join(err, ctx.Err()))
		}

		wait := b.NextBackOff()
		c.logger.Debug("client: transport unavailable, retrying",
			slog.String("socket", c.socket),
			slog.Duration("after", wait),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", bpffs.ErrNotReady, c.socket, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Attach binds h to the event described by spec ("kprobe:schedule",
// "tracepoint:syscalls/sys_enter_execve", a bare symbol, ...). Kernel
// refusals fail with bpffs.ErrAttach. h is not consumed.
func (c *Client) Attach(h *bpffs.Handle, spec string) (Link, error) {
	ev, err := bpf.ParseEvent(spec)
	if err != nil {
		return nil, err
	}
	l, err := c.events.Attach(h, ev)
	if err != nil {
		if !errors.Is(err, bpffs.ErrAttach) {
			err = fmt.Errorf("%w: %v", bpffs.ErrAttach, err)
		}
		return nil, err
	}
	return l, nil
}

// RequestHandle is Client.RequestHandle on a default client for socket.
func RequestHandle(ctx context.Context, socket, path string) (*bpffs.Handle, error) {
	return New(socket).RequestHandle(ctx, path)
}

// Attach binds h to spec through the kernel event source.
func Attach(h *bpffs.Handle, spec string) (Link, error) {
	return New("").Attach(h, spec)
}

// ReadTrace returns the trace lines buffered right now in the trace pipe
// at path (empty probes the standard tracefs locations). It never blocks.
func ReadTrace(path string) ([]string, error) {
	sink, err := bpf.OpenTraceSink(path)
	if err != nil {
		return nil, err
	}
	defer sink.Close()
	return sink.ReadAvailable()
}
