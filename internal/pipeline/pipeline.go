// Package pipeline turns a source fragment into a loaded kernel object or a
// structured diagnostic.
//
// A run has two stages. The compile stage produces an ELF object from the
// fragment; the verify stage hands that object to the kernel, whose verifier
// accepts or rejects it. Both stages are parameterized by the attachment
// kind and neither caches: every Run compiles and loads afresh.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/diag"
)

// Compiler produces a BPF ELF object from a source fragment.
type Compiler interface {
	Compile(ctx context.Context, name string, source []byte, kind bpf.AttachKind) ([]byte, error)
}

// Loader verifies and loads the program called name out of object.
// *bpf.KernelLoader is the production implementation.
type Loader interface {
	Load(ctx context.Context, name string, kind bpf.AttachKind, object []byte) (*bpffs.Handle, error)
}

// StageObserver receives timing for each stage attempt.
// *metrics.Metrics satisfies it.
type StageObserver interface {
	ObserveStage(stage string, ok bool, d time.Duration)
}

// Loaded is the outcome of a successful run. The caller owns Handle.
type Loaded struct {
	Name   string
	Kind   bpf.AttachKind
	Object []byte
	Handle *bpffs.Handle
}

// Pipeline runs the compile and verify stages.
type Pipeline struct {
	compiler Compiler
	loader   Loader
	observer StageObserver
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver reports stage timings to o.
func WithObserver(o StageObserver) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a Pipeline using c and l.
func New(c Compiler, l Loader, opts ...Option) *Pipeline {
	p := &Pipeline{compiler: c, loader: l, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run compiles source for kind and loads the function called name.
//
// Every stage failure is returned as a *diag.Diagnostic tagged with the
// stage that produced it, so errors.Is(err, bpffs.ErrCompile) and
// errors.Is(err, bpffs.ErrVerifier) distinguish them. Context cancellation
// and invalid arguments are returned as-is.
func (p *Pipeline) Run(ctx context.Context, name string, source []byte, kind bpf.AttachKind) (*Loaded, error) {
	if len(source) == 0 {
		return nil, diag.New(diag.StageCompile, "empty source")
	}

	start := time.Now()
	obj, err := p.compiler.Compile(ctx, name, source, kind)
	p.observe(diag.StageCompile, err == nil, time.Since(start))
	if err != nil {
		return nil, p.stageError(ctx, diag.StageCompile, name, err)
	}

	start = time.Now()
	h, err := p.loader.Load(ctx, name, kind, obj)
	p.observe(diag.StageVerify, err == nil, time.Since(start))
	if err != nil {
		return nil, p.stageError(ctx, diag.StageVerify, name, err)
	}

	p.logger.Info("pipeline: function loaded",
		slog.String("function", name),
		slog.String("kind", string(kind)),
		slog.Int("object_bytes", len(obj)),
		slog.String("handle", h.String()),
	)
	return &Loaded{Name: name, Kind: kind, Object: obj, Handle: h}, nil
}

func (p *Pipeline) stageError(ctx context.Context, stage diag.Stage, name string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("pipeline: %s %q: %w", stage, name, ctxErr)
	}
	if errors.Is(err, bpffs.ErrInvalidArgument) || errors.Is(err, bpffs.ErrNotSupported) {
		return err
	}
	d, ok := diag.As(err)
	if !ok {
		d = diag.New(stage, err.Error())
	}
	p.logger.Warn("pipeline: stage failed",
		slog.String("function", name),
		slog.String("stage", string(d.Stage)),
		slog.String("summary", d.Error()),
	)
	return d
}

func (p *Pipeline) observe(stage diag.Stage, ok bool, d time.Duration) {
	if p.observer != nil {
		p.observer.ObserveStage(string(stage), ok, d)
	}
}
