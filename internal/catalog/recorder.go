package catalog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/bpffs/internal/function"
)

// DefaultFlushInterval is how often a Recorder writes pending changes.
const DefaultFlushInterval = 200 * time.Millisecond

// batchPutter is implemented by stores that can write many records in one
// round-trip.
type batchPutter interface {
	PutBatch(ctx context.Context, recs []Record) error
}

// Recorder mirrors function transitions into a Store.
//
// Observe runs under the function's lock, so it only updates an in-memory
// pending set; a background goroutine flushes that set every interval. Only
// the latest state of each function is written.
type Recorder struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*Record // nil value: delete
	closed  bool

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithFlushInterval sets the flush interval.
func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.interval = d }
}

// WithRecorderLogger sets the logger.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder starts a Recorder writing to s.
func NewRecorder(s Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:    s,
		logger:   slog.Default(),
		pending:  make(map[string]*Record),
		interval: DefaultFlushInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.interval <= 0 {
		r.interval = DefaultFlushInterval
	}
	go r.flushLoop()
	return r
}

// Observe records t. It satisfies function.Observer.
func (r *Recorder) Observe(t function.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t.To == function.StatusUnloaded {
		r.pending[t.Function] = nil
		return
	}
	rec := &Record{
		Name:      t.Function,
		Source:    append([]byte(nil), t.Source...),
		Status:    t.To,
		UpdatedAt: t.Time,
	}
	if t.To.HoldsHandle() {
		rec.Kind = t.Kind
	}
	r.pending[t.Function] = rec
}

// Flush writes every pending change.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.pending
	r.pending = make(map[string]*Record)
	r.mu.Unlock()

	var (
		puts []Record
		errs []error
	)
	for name, rec := range batch {
		if rec == nil {
			if err := r.store.Delete(ctx, name); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		puts = append(puts, *rec)
	}
	if bp, ok := r.store.(batchPutter); ok && len(puts) > 1 {
		if err := bp.PutBatch(ctx, puts); err != nil {
			errs = append(errs, err)
		}
	} else {
		for _, rec := range puts {
			if err := r.store.Put(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close stops observing, flushes what is pending and stops the background
// goroutine. Transitions after Close are not recorded, so destroying every
// function at shutdown leaves the catalog intact. Close does not close the
// Store.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
	return r.Flush(ctx)
}

func (r *Recorder) flushLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Flush(context.Background()); err != nil {
				r.logger.Warn("catalog: flush", slog.Any("error", err))
			}
		}
	}
}
