// Package namespace is the request/response rendering of the bpffs tree:
//
//	<root>/<function>/source   write: store source; read: stored source
//	<root>/<function>/type     write: select kind, compile and load; read: kind
//	<root>/<function>/error    read: last diagnostic
//	<root>/<function>/fd       lookup: loaded; handle served by the transport
//
// Each operation names an entry with a Key and is routed to the matching
// function.Function. The namespace map has its own lock; operations on
// different functions never contend on it for longer than a lookup.
package namespace

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/function"
)

// DefaultRoot is the path prefix functions live under.
const DefaultRoot = "/run/bpffs/functions"

// Namespace owns a set of functions for its lifetime.
type Namespace struct {
	root   string
	runner function.Runner
	fnOpts []function.Option
	logger *slog.Logger

	mu        sync.RWMutex
	functions map[string]*function.Function
	// created is closed and replaced whenever a function is added.
	created chan struct{}
}

// Option configures a Namespace.
type Option func(*Namespace)

// WithRoot sets the path prefix accepted by ParseKey.
func WithRoot(root string) Option {
	return func(n *Namespace) { n.root = root }
}

// WithFunctionOptions applies opts to every function the namespace creates.
func WithFunctionOptions(opts ...function.Option) Option {
	return func(n *Namespace) { n.fnOpts = append(n.fnOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Namespace) {
		if l != nil {
			n.logger = l
		}
	}
}

// New returns an empty Namespace whose functions compile with runner.
func New(runner function.Runner, opts ...Option) *Namespace {
	n := &Namespace{
		root:      DefaultRoot,
		runner:    runner,
		logger:    slog.Default(),
		functions: make(map[string]*function.Function),
		created:   make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Root returns the path prefix.
func (n *Namespace) Root() string { return n.root }

// ParseKey parses an entry path relative to this namespace.
func (n *Namespace) ParseKey(p string) (Key, error) {
	return ParseKey(n.root, p)
}

// Create adds an Empty function.
func (n *Namespace) Create(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.functions[name]; ok {
		return fmt.Errorf("%w: function %q", bpffs.ErrExists, name)
	}
	opts := append([]function.Option{function.WithLogger(n.logger)}, n.fnOpts...)
	n.functions[name] = function.New(name, n.runner, opts...)
	close(n.created)
	n.created = make(chan struct{})
	n.logger.Info("namespace: function created", slog.String("function", name))
	return nil
}

// Remove destroys a function and drops it from the namespace.
func (n *Namespace) Remove(name string) error {
	n.mu.Lock()
	f, ok := n.functions[name]
	delete(n.functions, name)
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: function %q", bpffs.ErrNotFound, name)
	}
	f.Destroy()
	n.logger.Info("namespace: function removed", slog.String("function", name))
	return nil
}

// Get returns the function called name.
func (n *Namespace) Get(name string) (*function.Function, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	f, ok := n.functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: function %q", bpffs.ErrNotFound, name)
	}
	return f, nil
}

// Write routes a write to the entry at k.
//
// A source write stores data. A type write parses data as an attachment
// kind and blocks while the function compiles and loads; a failed attempt
// returns the diagnostic, which stays readable at the error entry. The
// error and fd entries are not writable.
func (n *Namespace) Write(ctx context.Context, k Key, data []byte) error {
	f, err := n.Get(k.Function)
	if err != nil {
		return err
	}
	switch k.Role {
	case RoleSource:
		return f.SetSource(data)
	case RoleType:
		kind, err := bpf.ParseAttachKind(string(data))
		if err != nil {
			return err
		}
		return f.SetType(ctx, kind)
	case RoleError, RoleFD:
		return fmt.Errorf("%w: %s is read-only", bpffs.ErrPermission, k)
	}
	return fmt.Errorf("%w: %s", bpffs.ErrNotFound, k)
}

// Read returns the content of the entry at k. The error entry fails with
// bpffs.ErrUnavailable when no diagnostic is pending. The fd entry has no
// byte content.
func (n *Namespace) Read(k Key) ([]byte, error) {
	f, err := n.Get(k.Function)
	if err != nil {
		return nil, err
	}
	switch k.Role {
	case RoleSource:
		return f.Source(), nil
	case RoleType:
		kind := f.Kind()
		if kind == "" {
			return nil, nil
		}
		return []byte(string(kind) + "\n"), nil
	case RoleError:
		d, err := f.Diagnostic()
		if err != nil {
			return nil, err
		}
		return []byte(d.Text()), nil
	case RoleFD:
		return nil, fmt.Errorf("%w: %s is served by the descriptor transport", bpffs.ErrPermission, k)
	}
	return nil, fmt.Errorf("%w: %s", bpffs.ErrNotFound, k)
}

// Lookup reports whether the entry at k exists. The fd entry exists only
// while its function holds a loaded handle.
func (n *Namespace) Lookup(k Key) bool {
	f, err := n.Get(k.Function)
	if err != nil {
		return false
	}
	if k.Role == RoleFD {
		return f.Status().HoldsHandle()
	}
	return k.Role >= RoleSource && k.Role <= RoleFD
}

// DupHandle returns a fresh duplicate of the handle behind the fd entry at
// k, waiting until the function exists and is loaded or ctx ends. Running
// out of time fails with bpffs.ErrNotReady.
func (n *Namespace) DupHandle(ctx context.Context, k Key) (*bpffs.Handle, error) {
	if k.Role != RoleFD {
		return nil, fmt.Errorf("%w: %s does not carry a handle", bpffs.ErrInvalidArgument, k)
	}
	for {
		n.mu.RLock()
		f, ok := n.functions[k.Function]
		created := n.created
		n.mu.RUnlock()
		if ok {
			return f.DupHandle(ctx)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: function %q does not exist: %w", bpffs.ErrNotReady, k.Function, ctx.Err())
		case <-created:
		}
	}
}

// Attach binds the function's loaded program to the event described by spec
// (see bpf.ParseEvent).
func (n *Namespace) Attach(name, spec string) error {
	ev, err := bpf.ParseEvent(spec)
	if err != nil {
		return err
	}
	f, err := n.Get(name)
	if err != nil {
		return err
	}
	return f.Attach(ev)
}

// Detach unbinds the function's program.
func (n *Namespace) Detach(name string) error {
	f, err := n.Get(name)
	if err != nil {
		return err
	}
	return f.Detach()
}

// Describe returns a summary of one function.
func (n *Namespace) Describe(name string) (function.Info, error) {
	f, err := n.Get(name)
	if err != nil {
		return function.Info{}, err
	}
	return f.Info(), nil
}

// List returns summaries of every function sorted by name.
func (n *Namespace) List() []function.Info {
	n.mu.RLock()
	fns := make([]*function.Function, 0, len(n.functions))
	for _, f := range n.functions {
		fns = append(fns, f)
	}
	n.mu.RUnlock()

	infos := make([]function.Info, 0, len(fns))
	for _, f := range fns {
		infos = append(infos, f.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Len returns the number of functions.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.functions)
}

// DestroyAll removes every function. Used at shutdown.
func (n *Namespace) DestroyAll() {
	n.mu.Lock()
	fns := n.functions
	n.functions = make(map[string]*function.Function)
	n.mu.Unlock()
	for _, f := range fns {
		f.Destroy()
	}
	if len(fns) > 0 {
		n.logger.Info("namespace: all functions destroyed", slog.Int("count", len(fns)))
	}
}
