// Package function implements the lifecycle of one named program.
//
//	Empty ──source──▶ SourceSet ──type ok──▶ Loaded ──attach──▶ Attached
//	                   │    ▲                                   │   ▲
//	                   └────┘ type failed                 detach│   │attach
//	                                                            ▼   │
//	                                                          Detached
//
// A source write from any live state returns to SourceSet and releases the
// loaded handle. Destroy moves any state to the terminal Unloaded.
//
// Mutating operations on one Function are serialized, including the compile
// and load triggered by a type write. The state itself is guarded separately
// and never held across a compile: reads, status and handle requests proceed
// while a compile runs and see either the previous state or the new one.
package function

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/diag"
	"github.com/tripwire/bpffs/internal/pipeline"
)

// Runner compiles and loads a fragment. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, name string, source []byte, kind bpf.AttachKind) (*pipeline.Loaded, error)
}

// Attacher binds a handle to a kernel event. bpf.Attach is the kernel
// implementation.
type Attacher func(h *bpffs.Handle, ev bpf.Event) (bpf.Link, error)

// Op names the operation that caused a Transition.
type Op string

const (
	OpCreate  Op = "create"
	OpSource  Op = "source"
	OpType    Op = "type"
	OpAttach  Op = "attach"
	OpDetach  Op = "detach"
	OpDestroy Op = "destroy"
)

// Transition describes one state change. Observers receive it while the
// Function is locked and must not call back into it.
type Transition struct {
	Function     string
	Op           Op
	From         Status
	To           Status
	Kind         bpf.AttachKind
	Source       []byte
	Event        string
	Diagnostic   *diag.Diagnostic
	AutoDetached bool
	Time         time.Time
}

// Observer receives transitions.
type Observer func(Transition)

// Info is a point-in-time summary of a Function.
type Info struct {
	Name          string         `json:"name"`
	Status        Status         `json:"status"`
	Kind          bpf.AttachKind `json:"kind,omitempty"`
	Event         string         `json:"event,omitempty"`
	SourceBytes   int            `json:"source_bytes"`
	ObjectBytes   int            `json:"object_bytes"`
	HasDiagnostic bool           `json:"has_diagnostic"`
	Loads         int            `json:"loads"`
	Compiling     bool           `json:"compiling,omitempty"`
}

// Function is one named program and its lifecycle state.
type Function struct {
	name     string
	runner   Runner
	attacher Attacher
	policy   SourcePolicy
	observer []Observer
	logger   *slog.Logger

	// wmu serializes mutators and is held across a compile. mu guards the
	// fields below and is only held briefly.
	wmu sync.Mutex

	mu         sync.Mutex
	status     Status
	source     []byte
	kind       bpf.AttachKind
	object     []byte
	handle     *bpffs.Handle
	diagnostic *diag.Diagnostic
	link       bpf.Link
	event      bpf.Event
	loads      int
	compiling  bool
	// changed is closed and replaced on every transition.
	changed chan struct{}
}

// Option configures a Function.
type Option func(*Function)

// WithAttacher sets the event binder. Defaults to bpf.Attach.
func WithAttacher(a Attacher) Option {
	return func(f *Function) { f.attacher = a }
}

// WithSourcePolicy sets the behaviour of a source write while attached.
func WithSourcePolicy(p SourcePolicy) Option {
	return func(f *Function) { f.policy = p }
}

// WithObserver registers o for every transition.
func WithObserver(o Observer) Option {
	return func(f *Function) { f.observer = append(f.observer, o) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Function) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates an Empty Function and emits its create transition.
func New(name string, runner Runner, opts ...Option) *Function {
	f := &Function{
		name:     name,
		runner:   runner,
		attacher: bpf.Attach,
		logger:   slog.Default(),
		changed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	f.mu.Lock()
	f.emit(Transition{Op: OpCreate, From: StatusEmpty, To: StatusEmpty})
	f.mu.Unlock()
	return f
}

// Name returns the function name.
func (f *Function) Name() string { return f.name }

// SetSource stores src and resets the Function to SourceSet, dropping any
// diagnostic and releasing any loaded handle. An attached Function is
// detached first, or rejected under PolicyReject.
func (f *Function) SetSource(src []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status == StatusUnloaded {
		return f.invalid("write source")
	}
	autoDetached := false
	if f.status == StatusAttached {
		if f.policy == PolicyReject {
			return fmt.Errorf("%w: function %q is attached to %s; detach before writing source",
				bpffs.ErrInvalidState, f.name, f.event)
		}
		f.logger.Warn("function: source written while attached, detaching",
			slog.String("function", f.name),
			slog.String("event", f.event.String()),
		)
		f.closeLink()
		autoDetached = true
	}

	from := f.status
	f.releaseHandle()
	f.source = append([]byte(nil), src...)
	f.kind = ""
	f.diagnostic = nil
	f.status = StatusSourceSet
	f.emit(Transition{Op: OpSource, From: from, To: StatusSourceSet, AutoDetached: autoDetached})
	return nil
}

// SetType records kind and runs the pipeline on the stored source. It
// blocks until compilation and verification finish.
//
// On failure the Function stays in SourceSet, the returned error is the
// fresh diagnostic (also available from Diagnostic) and no handle is held.
// Failures that never reach a compile or verify verdict are reported as a
// pipeline-stage diagnostic wrapping the cause. On success the Function is
// Loaded. Calling SetType outside SourceSet fails with
// bpffs.ErrInvalidState.
func (f *Function) SetType(ctx context.Context, kind bpf.AttachKind) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()

	f.mu.Lock()
	if f.status != StatusSourceSet {
		err := f.invalid("write type")
		f.mu.Unlock()
		return err
	}
	source := f.source
	f.compiling = true
	f.mu.Unlock()

	loaded, err := f.runner.Run(ctx, f.name, source, kind)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.compiling = false
	if err != nil {
		d, ok := diag.As(err)
		if !ok {
			d = diag.Wrap(err)
		}
		f.diagnostic = d
		f.emit(Transition{Op: OpType, From: StatusSourceSet, To: StatusSourceSet, Kind: kind, Diagnostic: d})
		return d
	}

	f.handle = loaded.Handle
	f.object = loaded.Object
	f.kind = kind
	f.diagnostic = nil
	f.loads++
	f.status = StatusLoaded
	f.emit(Transition{Op: OpType, From: StatusSourceSet, To: StatusLoaded, Kind: kind})
	return nil
}

// Attach binds the loaded program to ev. Valid from Loaded and Detached.
// A kernel refusal leaves the state unchanged and is returned as
// bpffs.ErrAttach.
func (f *Function) Attach(ev bpf.Event) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != StatusLoaded && f.status != StatusDetached {
		return f.invalid("attach")
	}
	if ev.Kind == "" {
		ev.Kind = f.kind
	}
	l, err := f.attacher(f.handle, ev)
	if err != nil {
		return err
	}
	from := f.status
	f.link = l
	f.event = ev
	f.status = StatusAttached
	f.emit(Transition{Op: OpAttach, From: from, To: StatusAttached, Event: ev.String()})
	return nil
}

// Detach unbinds an attached program. The handle is kept so the Function
// can be attached again.
func (f *Function) Detach() error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != StatusAttached {
		return f.invalid("detach")
	}
	ev := f.event
	err := f.closeLink()
	f.status = StatusDetached
	f.emit(Transition{Op: OpDetach, From: StatusAttached, To: StatusDetached, Event: ev.String()})
	if err != nil {
		return fmt.Errorf("function: detach %q: %w", f.name, err)
	}
	return nil
}

// Destroy detaches, releases the handle and moves to Unloaded. Descriptors
// already duplicated to other processes stay valid. Destroy is idempotent.
// It waits for a compile in progress to finish.
func (f *Function) Destroy() {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status == StatusUnloaded {
		return
	}
	from := f.status
	f.closeLink()
	f.releaseHandle()
	f.status = StatusUnloaded
	f.emit(Transition{Op: OpDestroy, From: from, To: StatusUnloaded})
}

// DupHandle returns a fresh duplicate of the loaded handle, waiting until
// the Function holds one or ctx ends. It does not wait on a compile in
// progress beyond ctx. The caller owns the duplicate.
// A Function destroyed while waiting fails with bpffs.ErrInvalidState.
func (f *Function) DupHandle(ctx context.Context) (*bpffs.Handle, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: function %q: %w", bpffs.ErrNotReady, f.name, err)
		}
		f.mu.Lock()
		switch {
		case f.status.HoldsHandle():
			h, err := f.handle.Dup()
			f.mu.Unlock()
			return h, err
		case f.status == StatusUnloaded:
			err := f.invalid("request handle")
			f.mu.Unlock()
			return nil, err
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: function %q: %w", bpffs.ErrNotReady, f.name, ctx.Err())
		case <-changed:
		}
	}
}

// Diagnostic returns the report of the last failed attempt, or
// bpffs.ErrUnavailable when none is pending.
func (f *Function) Diagnostic() (*diag.Diagnostic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.diagnostic == nil {
		return nil, fmt.Errorf("%w: no diagnostic pending for %q", bpffs.ErrUnavailable, f.name)
	}
	return f.diagnostic, nil
}

// Source returns a copy of the stored source.
func (f *Function) Source() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.source...)
}

// Kind returns the attachment kind of the loaded program, or "" when not
// loaded.
func (f *Function) Kind() bpf.AttachKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kind
}

// Status returns the current state.
func (f *Function) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Info returns a summary of the Function.
func (f *Function) Info() Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := Info{
		Name:          f.name,
		Status:        f.status,
		Kind:          f.kind,
		SourceBytes:   len(f.source),
		ObjectBytes:   len(f.object),
		HasDiagnostic: f.diagnostic != nil,
		Loads:         f.loads,
		Compiling:     f.compiling,
	}
	if f.status == StatusAttached {
		info.Event = f.event.String()
	}
	return info
}

func (f *Function) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s function %q in state %s", bpffs.ErrInvalidState, op, f.name, f.status)
}

// closeLink must be called with f.mu held.
func (f *Function) closeLink() error {
	if f.link == nil {
		return nil
	}
	err := f.link.Close()
	if err != nil {
		f.logger.Warn("function: close link",
			slog.String("function", f.name),
			slog.Any("error", err),
		)
	}
	f.link = nil
	f.event = bpf.Event{}
	return err
}

// releaseHandle must be called with f.mu held.
func (f *Function) releaseHandle() {
	if f.handle != nil {
		if err := f.handle.Close(); err != nil {
			f.logger.Warn("function: release handle",
				slog.String("function", f.name),
				slog.Any("error", err),
			)
		}
	}
	f.handle = nil
	f.object = nil
}

// emit must be called with f.mu held.
func (f *Function) emit(t Transition) {
	t.Function = f.name
	t.Time = time.Now().UTC()
	if t.Kind == "" {
		t.Kind = f.kind
	}
	t.Source = f.source
	close(f.changed)
	f.changed = make(chan struct{})

	f.logger.Debug("function: transition",
		slog.String("function", f.name),
		slog.String("op", string(t.Op)),
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
	)
	for _, o := range f.observer {
		o(t)
	}
}
