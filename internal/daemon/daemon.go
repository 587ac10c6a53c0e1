// Package daemon contains the bpffsd orchestrator. It wires the namespace,
// the compile/verify pipeline, the descriptor transport, the HTTP API and
// the lifecycle observers (metrics, audit, catalog) together and manages
// their lifetime through a shared context.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/internal/audit"
	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/catalog"
	"github.com/tripwire/bpffs/internal/config"
	"github.com/tripwire/bpffs/internal/fdpass"
	"github.com/tripwire/bpffs/internal/function"
	"github.com/tripwire/bpffs/internal/metrics"
	"github.com/tripwire/bpffs/internal/namespace"
	"github.com/tripwire/bpffs/internal/pipeline"
	"github.com/tripwire/bpffs/internal/server/rest"
	"github.com/tripwire/bpffs/internal/server/websocket"
)

// Daemon is the bpffsd orchestrator.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	runner   function.Runner
	attacher function.Attacher

	metrics  *metrics.Metrics
	ns       *namespace.Namespace
	fd       *fdpass.Server
	http     *http.Server
	httpLn   net.Listener
	events   *websocket.Broadcaster
	audit    *audit.Logger
	store    catalog.Store
	recorder *catalog.Recorder

	traceMu sync.Mutex
	trace   *bpf.TraceSink

	mu        sync.Mutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// Option is a functional option for Daemon construction.
type Option func(*Daemon)

// WithRunner replaces the clang and kernel pipeline, mainly for tests.
func WithRunner(r function.Runner) Option {
	return func(d *Daemon) { d.runner = r }
}

// WithAttacher replaces the kernel event binder, mainly for tests.
func WithAttacher(a function.Attacher) Option {
	return func(d *Daemon) { d.attacher = a }
}

// New creates a Daemon from cfg. Nothing is started until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		attacher: bpf.Attach,
		metrics:  metrics.New(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start builds every component, restores the catalog when configured and
// begins serving the transport socket and the HTTP API. On error every
// component started so far is released.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon: already running")
	}

	defer func() {
		if err != nil {
			d.release(context.Background())
		}
	}()

	d.logger.Info("starting bpffsd",
		slog.String("root", d.cfg.Namespace.Root),
		slog.String("socket", d.cfg.Transport.SocketPath),
		slog.String("http_addr", d.cfg.HTTP.Addr),
		slog.String("catalog", d.cfg.Catalog.Driver),
		slog.String("source_while_attached", d.cfg.Namespace.SourceWhileAttached),
	)

	if d.runner == nil {
		loader, err := bpf.NewKernelLoader(d.logger)
		if err != nil {
			return fmt.Errorf("daemon: kernel loader: %w", err)
		}
		compiler := &pipeline.ClangCompiler{
			Path:        d.cfg.Compiler.Path,
			Flags:       d.cfg.Compiler.Flags,
			IncludeDirs: d.cfg.Compiler.IncludeDirs,
			TempDir:     d.cfg.Compiler.TempDir,
		}
		d.runner = pipeline.New(compiler, loader,
			pipeline.WithObserver(d.metrics),
			pipeline.WithLogger(d.logger),
		)
	}

	d.events = websocket.NewBroadcaster(d.logger, 0)
	fnOpts := []function.Option{
		function.WithSourcePolicy(d.cfg.Namespace.Policy()),
		function.WithAttacher(d.instrumentedAttacher()),
		function.WithObserver(d.observeMetrics),
		function.WithObserver(d.events.Observe),
	}
	if d.cfg.Audit.Path != "" {
		if d.audit, err = audit.Open(d.cfg.Audit.Path, d.logger); err != nil {
			return err
		}
		fnOpts = append(fnOpts, function.WithObserver(d.audit.Observe))
	}
	if d.store, err = catalog.Open(ctx, d.cfg.Catalog.Driver, d.cfg.Catalog.DSN); err != nil {
		return err
	}
	if d.store != nil {
		d.recorder = catalog.NewRecorder(d.store, catalog.WithRecorderLogger(d.logger))
		fnOpts = append(fnOpts, function.WithObserver(d.recorder.Observe))
	}

	d.ns = namespace.New(d.runner,
		namespace.WithRoot(d.cfg.Namespace.Root),
		namespace.WithLogger(d.logger),
		namespace.WithFunctionOptions(fnOpts...),
	)

	if d.store != nil && d.cfg.Catalog.Restore {
		n, err := catalog.Restore(ctx, d.store, d.ns, d.logger)
		if err != nil {
			d.logger.Warn("daemon: catalog restore incomplete", slog.Any("error", err))
		}
		d.logger.Info("daemon: catalog restored", slog.Int("functions", n))
	}

	if err := os.MkdirAll(filepath.Dir(d.cfg.Transport.SocketPath), 0o755); err != nil {
		return fmt.Errorf("daemon: socket directory: %w", err)
	}
	d.fd = fdpass.NewServer(d.ns,
		fdpass.WithMaxWait(d.cfg.Transport.MaxWait),
		fdpass.WithLogger(d.logger),
		fdpass.WithLeaseObserver(d.metrics),
	)
	if err := d.fd.Listen(d.cfg.Transport.SocketPath, d.cfg.Transport.Mode()); err != nil {
		return err
	}

	if d.cfg.HTTP.Addr != "" {
		if err := d.buildHTTP(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return d.fd.Serve(gctx) })
	if d.http != nil {
		srv, ln := d.http, d.httpLn
		g.Go(func() error {
			d.logger.Info("daemon: http listening", slog.String("addr", ln.Addr().String()))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("daemon: http: %w", err)
			}
			return nil
		})
	}

	d.cancel = cancel
	d.group = g
	d.running = true
	d.startTime = time.Now()
	d.logger.Info("bpffsd started")
	return nil
}

func (d *Daemon) buildHTTP() error {
	srvOpts := []rest.ServerOption{
		rest.WithSocket(d.cfg.Transport.SocketPath),
		rest.WithTrace(d.readTrace),
		rest.WithLogger(d.logger),
	}
	routerOpts := []rest.RouterOption{
		rest.WithMetrics(d.metrics.Handler()),
		rest.WithEvents(websocket.NewHandler(d.events, d.logger, 0)),
	}
	if p := d.cfg.HTTP.Auth.PublicKeyPath; p != "" {
		pemData, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("daemon: read public key: %w", err)
		}
		key, err := rest.ParseRSAPublicKey(pemData)
		if err != nil {
			return fmt.Errorf("daemon: %s: %w", p, err)
		}
		routerOpts = append(routerOpts, rest.WithAuth(rest.JWTConfig{
			PublicKey: key,
			Issuer:    d.cfg.HTTP.Auth.Issuer,
			Audience:  d.cfg.HTTP.Auth.Audience,
			Logger:    d.logger,
		}))
	}

	ln, err := net.Listen("tcp", d.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("daemon: http listen %s: %w", d.cfg.HTTP.Addr, err)
	}
	d.httpLn = ln
	d.http = &http.Server{
		Handler:           rest.NewRouter(rest.NewServer(d.ns, srvOpts...), routerOpts...),
		ReadHeaderTimeout: 5 * time.Second,
		// Type writes block for the whole compile and load.
		WriteTimeout: 2 * time.Minute,
	}
	return nil
}

// Wait blocks until the serving goroutines exit and returns the first
// error among them.
func (d *Daemon) Wait() error {
	d.mu.Lock()
	g := d.group
	d.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop shuts down the transport and the HTTP API, then destroys every
// function. Handles already passed to clients stay valid. It is safe to
// call Stop more than once.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false

	var errs []error
	// Event streams are hijacked connections that Shutdown does not track.
	d.events.Close()
	if d.http != nil {
		if err := d.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("daemon: http shutdown: %w", err))
		}
	}
	d.cancel()
	if err := d.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, d.release(ctx))
	d.logger.Info("bpffsd stopped", slog.Duration("uptime", time.Since(d.startTime)))
	return errors.Join(errs...)
}

// release closes components in dependency order. The catalog recorder is
// closed before functions are destroyed so the catalog keeps them.
func (d *Daemon) release(ctx context.Context) error {
	var errs []error
	if d.events != nil {
		d.events.Close()
	}
	if d.fd != nil {
		if err := d.fd.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.httpLn != nil {
		d.httpLn.Close()
	}
	if d.recorder != nil {
		if err := d.recorder.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.ns != nil {
		d.ns.DestroyAll()
	}
	d.traceMu.Lock()
	if d.trace != nil {
		d.trace.Close()
		d.trace = nil
	}
	d.traceMu.Unlock()
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Namespace returns the live namespace. It is nil before Start.
func (d *Daemon) Namespace() *namespace.Namespace { return d.ns }

// Metrics returns the daemon's metrics.
func (d *Daemon) Metrics() *metrics.Metrics { return d.metrics }

// HTTPAddr returns the bound HTTP address, or "" when the API is disabled.
func (d *Daemon) HTTPAddr() string {
	if d.httpLn == nil {
		return ""
	}
	return d.httpLn.Addr().String()
}

// observeMetrics is the function.Observer feeding the lifecycle metrics.
func (d *Daemon) observeMetrics(t function.Transition) {
	from := t.From.String()
	if t.Op == function.OpCreate {
		from = ""
	}
	d.metrics.ObserveTransition(from, t.To.String())
}

func (d *Daemon) instrumentedAttacher() function.Attacher {
	base := d.attacher
	return func(h *bpffs.Handle, ev bpf.Event) (bpf.Link, error) {
		l, err := base(h, ev)
		d.metrics.ObserveAttach(err == nil)
		return l, err
	}
}

// readTrace keeps one trace sink open across requests so partial lines are
// carried over between reads.
func (d *Daemon) readTrace() ([]string, error) {
	d.traceMu.Lock()
	defer d.traceMu.Unlock()
	if d.trace == nil {
		sink, err := bpf.OpenTraceSink(d.cfg.Trace.PipePath)
		if err != nil {
			return nil, err
		}
		d.trace = sink
	}
	return d.trace.ReadAvailable()
}
