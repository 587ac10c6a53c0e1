// Package catalog persists function definitions so the daemon can recreate
// them after a restart.
//
// A Record holds what a client wrote (name, source and the kind of the last
// successful load), never handles. Restoring replays those writes through
// the namespace, so each restored function is compiled and verified again
// by the running kernel.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/function"
	"github.com/tripwire/bpffs/internal/namespace"
)

// Record is the persisted definition of one function.
type Record struct {
	Name   string
	Source []byte
	// Kind is the attachment kind of the last successful load, or "".
	Kind bpf.AttachKind
	// Status is the state the function was last seen in.
	Status    function.Status
	UpdatedAt time.Time
}

// Loaded reports whether the function had been loaded, so a type write
// should be replayed on restore.
func (r Record) Loaded() bool {
	return r.Kind != "" && r.Status.HoldsHandle()
}

// Store persists Records keyed by name.
type Store interface {
	Put(ctx context.Context, r Record) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Open returns the Store for driver, or nil for "none".
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("catalog: unknown driver %q", driver)
}

// Target is the namespace surface Restore replays writes into.
// *namespace.Namespace implements it.
type Target interface {
	Create(name string) error
	Write(ctx context.Context, k namespace.Key, data []byte) error
}

// Restore recreates every cataloged function in t. A function whose replayed
// load fails is still created; its diagnostic is available through the
// error entry. Restore returns the number of functions created and the
// joined creation errors.
func Restore(ctx context.Context, s Store, t Target, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	recs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, r := range recs {
		if err := t.Create(r.Name); err != nil {
			errs = append(errs, fmt.Errorf("catalog: restore %q: %w", r.Name, err))
			continue
		}
		n++
		if len(r.Source) == 0 {
			continue
		}
		if err := t.Write(ctx, namespace.Key{Function: r.Name, Role: namespace.RoleSource}, r.Source); err != nil {
			errs = append(errs, fmt.Errorf("catalog: restore %q source: %w", r.Name, err))
			continue
		}
		if !r.Loaded() {
			continue
		}
		if err := t.Write(ctx, namespace.Key{Function: r.Name, Role: namespace.RoleType}, []byte(r.Kind)); err != nil {
			if ctx.Err() != nil {
				return n, errors.Join(append(errs, ctx.Err())...)
			}
			logger.Warn("catalog: restored function failed to load",
				slog.String("function", r.Name),
				slog.String("kind", string(r.Kind)),
				slog.Any("error", err),
			)
		}
	}
	logger.Info("catalog: restore complete",
		slog.Int("functions", n),
		slog.Int("records", len(recs)),
	)
	return n, errors.Join(errs...)
}
