package fdpass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tripwire/bpffs"
)

// maxRights is the control buffer capacity in descriptors. A well-behaved
// server sends one; extras are closed.
const maxRights = 4

// Dial connects to the transport socket.
func Dial(ctx context.Context, socket string) (*net.UnixConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unixpacket", socket)
	if err != nil {
		return nil, err
	}
	return c.(*net.UnixConn), nil
}

// Fetch performs one exchange on conn: it asks for the handle behind path
// and waits for the reply. The server is told to wait no longer than ctx's
// deadline. On success the caller owns the returned handle.
func Fetch(ctx context.Context, conn *net.UnixConn, path string) (*bpffs.Handle, Response, error) {
	req := Request{Path: path}
	if dl, ok := ctx.Deadline(); ok {
		req.WaitMS = max(time.Until(dl).Milliseconds(), 1)
	}
	b, err := encode(req)
	if err != nil {
		return nil, Response{}, err
	}

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(b); err != nil {
		return nil, Response{}, ctxErr(ctx, fmt.Errorf("fdpass: send request: %w", err))
	}

	buf := make([]byte, MaxRecordSize)
	oob := make([]byte, unix.CmsgSpace(maxRights*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, Response{}, ctxErr(ctx, fmt.Errorf("fdpass: read response: %w", err))
	}
	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, Response{}, err
	}

	var resp Response
	if err := decode(buf[:n], &resp); err != nil {
		closeAll(fds)
		return nil, Response{}, err
	}
	if err := resp.Err(); err != nil {
		closeAll(fds)
		return nil, resp, err
	}
	if len(fds) != 1 {
		closeAll(fds)
		return nil, resp, fmt.Errorf("fdpass: response carried %d descriptors, want 1", len(fds))
	}
	h, err := bpffs.NewHandle(fds[0])
	if err != nil {
		return nil, resp, err
	}
	return h, resp, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("fdpass: parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// ctxErr reports an I/O failure caused by ctx ending as bpffs.ErrNotReady.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed)) {
		return fmt.Errorf("%w: %w", bpffs.ErrNotReady, ctx.Err())
	}
	return err
}
