package pipeline

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/diag"
)

type fakeCompiler struct {
	err   error
	calls int
	kinds []bpf.AttachKind
}

func (f *fakeCompiler) Compile(_ context.Context, name string, source []byte, kind bpf.AttachKind) ([]byte, error) {
	f.calls++
	f.kinds = append(f.kinds, kind)
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("ELF:"+name+":"), source...), nil
}

// fakeLoader mints pipe-backed handles so every load is a distinct, real
// descriptor.
type fakeLoader struct {
	t     *testing.T
	err   error
	calls int
}

func (f *fakeLoader) Load(_ context.Context, _ string, _ bpf.AttachKind, _ []byte) (*bpffs.Handle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r, w, err := os.Pipe()
	if err != nil {
		f.t.Fatalf("pipe: %v", err)
	}
	w.Close()
	tmp, err := bpffs.NewHandle(int(r.Fd()))
	if err != nil {
		f.t.Fatalf("NewHandle: %v", err)
	}
	h, err := tmp.Dup()
	if err != nil {
		f.t.Fatalf("Dup: %v", err)
	}
	tmp.Release()
	r.Close()
	return h, nil
}

type stageRecord struct {
	stage string
	ok    bool
}

type recordingObserver struct {
	mu      sync.Mutex
	records []stageRecord
}

func (r *recordingObserver) ObserveStage(stage string, ok bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, stageRecord{stage, ok})
}

func TestRunSuccess(t *testing.T) {
	c := &fakeCompiler{}
	l := &fakeLoader{t: t}
	obs := &recordingObserver{}
	p := New(c, l, WithObserver(obs))

	got, err := p.Run(context.Background(), "hello", []byte("int hello(void *ctx) { return 0; }"), bpf.KindKprobe)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer got.Handle.Close()

	if got.Name != "hello" || got.Kind != bpf.KindKprobe {
		t.Errorf("Loaded = %+v", got)
	}
	if !got.Handle.Valid() {
		t.Error("expected a valid handle")
	}
	if len(c.kinds) != 1 || c.kinds[0] != bpf.KindKprobe {
		t.Errorf("compiler kinds = %v", c.kinds)
	}
	want := []stageRecord{{"compile", true}, {"verify", true}}
	if len(obs.records) != len(want) {
		t.Fatalf("observer records = %v, want %v", obs.records, want)
	}
	for i := range want {
		if obs.records[i] != want[i] {
			t.Errorf("record %d = %v, want %v", i, obs.records[i], want[i])
		}
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name        string
		compileErr  error
		loadErr     error
		wantStage   diag.Stage
		wantSentErr error
		wantLoads   int
	}{
		{
			name:        "compiler diagnostic",
			compileErr:  diag.New(diag.StageCompile, "hello.c:1:1: error: expected ';'"),
			wantStage:   diag.StageCompile,
			wantSentErr: bpffs.ErrCompile,
		},
		{
			name:        "plain compiler error",
			compileErr:  errors.New("exec: clang: not found"),
			wantStage:   diag.StageCompile,
			wantSentErr: bpffs.ErrCompile,
		},
		{
			name:        "verifier rejection",
			loadErr:     diag.FromVerifierLog("permission denied", []string{"back-edge from insn 3 to 1"}),
			wantStage:   diag.StageVerify,
			wantSentErr: bpffs.ErrVerifier,
			wantLoads:   1,
		},
		{
			name:        "plain load error",
			loadErr:     errors.New("operation not permitted"),
			wantStage:   diag.StageVerify,
			wantSentErr: bpffs.ErrVerifier,
			wantLoads:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCompiler{err: tt.compileErr}
			l := &fakeLoader{t: t, err: tt.loadErr}
			p := New(c, l)

			got, err := p.Run(context.Background(), "hello", []byte("src"), bpf.KindKprobe)
			if got != nil {
				t.Fatalf("expected no result, got %+v", got)
			}
			d, ok := diag.As(err)
			if !ok {
				t.Fatalf("error %v is not a Diagnostic", err)
			}
			if d.Stage != tt.wantStage {
				t.Errorf("stage = %q, want %q", d.Stage, tt.wantStage)
			}
			if d.Message == "" {
				t.Error("diagnostic message is empty")
			}
			if !errors.Is(err, tt.wantSentErr) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.wantSentErr)
			}
			if l.calls != tt.wantLoads {
				t.Errorf("loader calls = %d, want %d", l.calls, tt.wantLoads)
			}
		})
	}
}

func TestRunEmptySource(t *testing.T) {
	c := &fakeCompiler{}
	p := New(c, &fakeLoader{t: t})
	_, err := p.Run(context.Background(), "hello", nil, bpf.KindKprobe)
	if !errors.Is(err, bpffs.ErrCompile) {
		t.Fatalf("err = %v, want ErrCompile", err)
	}
	if c.calls != 0 {
		t.Errorf("compiler called %d times", c.calls)
	}
}

func TestRunCanceledIsNotADiagnostic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(&fakeCompiler{err: errors.New("signal: killed")}, &fakeLoader{t: t})

	_, err := p.Run(ctx, "hello", []byte("src"), bpf.KindKprobe)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, ok := diag.As(err); ok {
		t.Error("cancellation must not be reported as a diagnostic")
	}
}

func TestRunIsNotCached(t *testing.T) {
	c := &fakeCompiler{}
	l := &fakeLoader{t: t}
	p := New(c, l)
	src := []byte("int hello(void *ctx) { return 0; }")

	a, err := p.Run(context.Background(), "hello", src, bpf.KindKprobe)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Handle.Close()
	b, err := p.Run(context.Background(), "hello", src, bpf.KindKprobe)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Handle.Close()

	if c.calls != 2 || l.calls != 2 {
		t.Errorf("calls compile=%d load=%d, want 2 and 2", c.calls, l.calls)
	}
	if a.Handle.FD() == b.Handle.FD() {
		t.Errorf("both runs returned fd %d", a.Handle.FD())
	}
}
