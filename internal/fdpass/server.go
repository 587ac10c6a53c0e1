package fdpass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/internal/namespace"
)

const (
	// DefaultMaxWait caps how long a request may wait for a load.
	DefaultMaxWait = 30 * time.Second

	// requestReadTimeout bounds the wait for the request record.
	requestReadTimeout = 5 * time.Second
)

// HandleSource resolves fd entry paths to handles. *namespace.Namespace
// implements it.
type HandleSource interface {
	ParseKey(p string) (namespace.Key, error)
	DupHandle(ctx context.Context, k namespace.Key) (*bpffs.Handle, error)
}

// LeaseObserver receives the outcome of every request.
// *metrics.Metrics implements it.
type LeaseObserver interface {
	ObserveLease(outcome string, waited time.Duration)
}

// Server serves handle requests on a Unix-domain socket.
type Server struct {
	src      HandleSource
	maxWait  time.Duration
	logger   *slog.Logger
	observer LeaseObserver

	mu       sync.Mutex
	listener *net.UnixListener
	path     string
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMaxWait caps the per-request wait budget.
func WithMaxWait(d time.Duration) Option {
	return func(s *Server) { s.maxWait = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLeaseObserver reports request outcomes to o.
func WithLeaseObserver(o LeaseObserver) Option {
	return func(s *Server) { s.observer = o }
}

// NewServer returns a Server resolving requests against src.
func NewServer(src HandleSource, opts ...Option) *Server {
	s := &Server{src: src, maxWait: DefaultMaxWait, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Listen binds the socket at path, replacing a stale socket file, and sets
// its permission bits to mode.
func (s *Server) Listen(path string, mode os.FileMode) error {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("fdpass: %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("fdpass: remove stale socket: %w", err)
		}
	}
	l, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return fmt.Errorf("fdpass: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		l.Close()
		return fmt.Errorf("fdpass: chmod %s: %w", path, err)
	}
	s.mu.Lock()
	s.listener = l
	s.path = path
	s.mu.Unlock()
	s.logger.Info("fdpass: listening", slog.String("socket", path))
	return nil
}

// Addr returns the socket path, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, then waits for in-flight requests. It returns nil on a clean
// shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("fdpass: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("fdpass: accept", slog.Any("error", err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops the listener and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	l, path := s.listener, s.path
	s.listener = nil
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	err := l.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()
	lease := uuid.NewString()
	start := time.Now()
	log := s.logger.With(slog.String("lease", lease))

	var req Request
	if err := readRequest(conn, &req); err != nil {
		log.Warn("fdpass: bad request", slog.Any("error", err))
		s.reply(conn, log, Response{Status: StatusInvalid, Message: err.Error(), Lease: lease}, nil)
		s.observe(StatusInvalid, start)
		return
	}
	log = log.With(slog.String("path", req.Path))

	wait := s.maxWait
	if req.WaitMS > 0 && time.Duration(req.WaitMS)*time.Millisecond < wait {
		wait = time.Duration(req.WaitMS) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	// A client that hangs up abandons the request.
	go watchHangup(conn, cancel)

	h, err := s.resolve(reqCtx, req.Path)
	if err != nil {
		status := statusFor(err)
		log.Info("fdpass: request refused",
			slog.String("status", status),
			slog.Duration("waited", time.Since(start)),
			slog.Any("error", err),
		)
		s.reply(conn, log, Response{Status: status, Message: err.Error(), Lease: lease}, nil)
		s.observe(status, start)
		return
	}
	defer h.Close()

	if err := s.reply(conn, log, Response{Status: StatusOK, Lease: lease}, h); err != nil {
		s.observe(StatusError, start)
		return
	}
	log.Info("fdpass: lease served", slog.Duration("waited", time.Since(start)))
	s.observe(StatusOK, start)
}

func (s *Server) resolve(ctx context.Context, p string) (*bpffs.Handle, error) {
	k, err := s.src.ParseKey(p)
	if err != nil {
		return nil, err
	}
	if k.Role != namespace.RoleFD {
		return nil, fmt.Errorf("%w: %s is not an fd entry", bpffs.ErrInvalidArgument, p)
	}
	return s.src.DupHandle(ctx, k)
}

// reply sends resp, attaching h's descriptor when h is non-nil. The caller
// keeps ownership of h.
func (s *Server) reply(conn *net.UnixConn, log *slog.Logger, resp Response, h *bpffs.Handle) error {
	b, err := encode(resp)
	if err != nil {
		log.Error("fdpass: encode response", slog.Any("error", err))
		return err
	}
	var oob []byte
	if h != nil {
		oob = unix.UnixRights(h.FD())
	}
	if _, _, err := conn.WriteMsgUnix(b, oob, nil); err != nil {
		log.Warn("fdpass: send response", slog.Any("error", err))
		return fmt.Errorf("fdpass: send: %w", err)
	}
	return nil
}

func (s *Server) observe(outcome string, start time.Time) {
	if s.observer != nil {
		s.observer.ObserveLease(outcome, time.Since(start))
	}
}

func readRequest(conn *net.UnixConn, req *Request) error {
	if err := conn.SetReadDeadline(time.Now().Add(requestReadTimeout)); err != nil {
		return err
	}
	buf := make([]byte, MaxRecordSize)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("fdpass: read request: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	if err := decode(buf[:n], req); err != nil {
		return err
	}
	if req.Path == "" {
		return fmt.Errorf("%w: empty path", bpffs.ErrInvalidArgument)
	}
	return nil
}

// watchHangup calls cancel once the peer closes its end. The client sends
// nothing after its request, so any completed read ends the exchange.
func watchHangup(conn *net.UnixConn, cancel context.CancelFunc) {
	var b [1]byte
	_, _ = conn.Read(b[:])
	cancel()
}
