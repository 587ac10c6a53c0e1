// Package fdpass is the descriptor transport: it hands a duplicate of a
// loaded program's handle to another process over a Unix-domain socket.
//
// The endpoint is a SOCK_SEQPACKET socket ("unixpacket"), so every request
// and response is exactly one record and needs no framing. Each connection
// carries one exchange:
//
//	client → server   Request{Path, WaitMS}            (msgpack)
//	server → client   Response{Status, Message, Lease} (msgpack)
//	                  + SCM_RIGHTS with one descriptor when Status is "ok"
//
// The server mints a fresh duplicate per request and closes its own copy as
// soon as the record is sent, whether or not the send succeeded.
package fdpass

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tripwire/bpffs"
)

// MaxRecordSize bounds a single request or response record.
const MaxRecordSize = 4096

// Status values carried in Response.Status.
const (
	StatusOK       = "ok"
	StatusNotReady = "not_ready"
	StatusNotFound = "not_found"
	StatusInvalid  = "invalid"
	StatusError    = "error"
)

// Request asks for the handle behind an fd entry path.
type Request struct {
	Path string `msgpack:"path"`
	// WaitMS is how long the server may wait for the function to load.
	// Zero or negative selects the server's maximum.
	WaitMS int64 `msgpack:"wait_ms"`
}

// Response answers a Request. A descriptor accompanies it only when
// Status is StatusOK.
type Response struct {
	Status  string `msgpack:"status"`
	Message string `msgpack:"message,omitempty"`
	Lease   string `msgpack:"lease,omitempty"`
}

// Err converts a non-ok response into the matching bpffs sentinel.
func (r Response) Err() error {
	var sentinel error
	switch r.Status {
	case StatusOK:
		return nil
	case StatusNotReady:
		sentinel = bpffs.ErrNotReady
	case StatusNotFound:
		sentinel = bpffs.ErrNotFound
	case StatusInvalid:
		sentinel = bpffs.ErrInvalidArgument
	default:
		return fmt.Errorf("fdpass: server error: %s", r.Message)
	}
	if r.Message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, r.Message)
}

// statusFor maps a server-side error onto the wire status.
func statusFor(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, bpffs.ErrNotReady), errors.Is(err, bpffs.ErrInvalidState):
		return StatusNotReady
	case errors.Is(err, bpffs.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, bpffs.ErrInvalidArgument):
		return StatusInvalid
	}
	return StatusError
}

func encode(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fdpass: encode: %w", err)
	}
	if len(b) > MaxRecordSize {
		return nil, fmt.Errorf("fdpass: record of %d bytes exceeds %d", len(b), MaxRecordSize)
	}
	return b, nil
}

func decode(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("fdpass: decode: %w", err)
	}
	return nil
}
