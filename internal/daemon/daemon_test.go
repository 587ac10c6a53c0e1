package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/client"
	"github.com/tripwire/bpffs/internal/audit"
	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/config"
	"github.com/tripwire/bpffs/internal/daemon"
	"github.com/tripwire/bpffs/internal/function"
	"github.com/tripwire/bpffs/internal/namespace"
	"github.com/tripwire/bpffs/internal/pipeline"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

// pipeRunner "loads" every fragment as a pipe descriptor.
type pipeRunner struct{}

func (pipeRunner) Run(_ context.Context, name string, _ []byte, kind bpf.AttachKind) (*pipeline.Loaded, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer pw.Close()
	h, err := bpffs.NewHandle(int(pr.Fd()))
	if err != nil {
		pr.Close()
		return nil, err
	}
	dup, err := h.Dup()
	h.Release()
	pr.Close()
	if err != nil {
		return nil, err
	}
	return &pipeline.Loaded{Name: name, Kind: kind, Handle: dup}, nil
}

type nopLink struct{}

func (nopLink) Close() error { return nil }

func nopAttach(*bpffs.Handle, bpf.Event) (bpf.Link, error) { return nopLink{}, nil }

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	// Unix socket paths are length limited, so avoid t.TempDir's long names.
	dir, err := os.MkdirTemp("", "bpffsd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Transport.SocketPath = filepath.Join(dir, "run", "fd.sock")
	cfg.Transport.MaxWait = 2 * time.Second
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Audit.Path = filepath.Join(dir, "audit.log")
	cfg.Catalog.Driver = "sqlite"
	cfg.Catalog.DSN = filepath.Join(dir, "catalog.db")
	cfg.Catalog.Restore = true
	return cfg
}

func start(t *testing.T, cfg *config.Config) *daemon.Daemon {
	t.Helper()
	d := daemon.New(cfg, nil, daemon.WithRunner(pipeRunner{}), daemon.WithAttacher(nopAttach))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d
}

func request(t *testing.T, d *daemon.Daemon, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+d.HTTPAddr()+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func mustRequest(t *testing.T, d *daemon.Daemon, method, path, body string, want int) []byte {
	t.Helper()
	code, data := request(t, d, method, path, body)
	if code != want {
		t.Fatalf("%s %s: status %d, want %d (%s)", method, path, code, want, data)
	}
	return data
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestDaemon_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	d := start(t, cfg)

	mustRequest(t, d, http.MethodPost, "/api/v1/functions", `{"name":"hello"}`, http.StatusCreated)
	mustRequest(t, d, http.MethodPut, "/api/v1/functions/hello/source", "int prog(void *ctx) { return 0; }", http.StatusOK)
	mustRequest(t, d, http.MethodPut, "/api/v1/functions/hello/type", "tracepoint", http.StatusOK)

	var fd struct {
		Path   string `json:"path"`
		Socket string `json:"socket"`
	}
	if err := json.Unmarshal(mustRequest(t, d, http.MethodGet, "/api/v1/functions/hello/fd", "", http.StatusOK), &fd); err != nil {
		t.Fatal(err)
	}
	if fd.Socket != cfg.Transport.SocketPath {
		t.Errorf("fd socket = %q, want %q", fd.Socket, cfg.Transport.SocketPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, err := client.RequestHandle(ctx, fd.Socket, fd.Path)
	if err != nil {
		t.Fatalf("RequestHandle: %v", err)
	}
	defer h.Close()
	if !h.Valid() {
		t.Error("fetched handle is not valid")
	}

	mustRequest(t, d, http.MethodPost, "/api/v1/functions/hello/attach", `{"event":"tracepoint:syscalls:sys_enter_openat"}`, http.StatusOK)
	mustRequest(t, d, http.MethodPost, "/api/v1/functions/hello/detach", "", http.StatusOK)

	m := d.Metrics()
	if got := testutil.ToFloat64(m.Functions.WithLabelValues("detached")); got != 1 {
		t.Errorf("functions{status=detached} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Attaches.WithLabelValues("success")); got != 1 {
		t.Errorf("attaches{result=success} = %v, want 1", got)
	}

	metricsBody := mustRequest(t, d, http.MethodGet, "/metrics", "", http.StatusOK)
	if !bytes.Contains(metricsBody, []byte("bpffs_functions")) {
		t.Error("/metrics does not expose bpffs_functions")
	}

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !h.Valid() {
		t.Error("handle passed to a client must outlive the daemon's copy")
	}

	entries, err := audit.Verify(cfg.Audit.Path)
	if err != nil {
		t.Fatalf("audit.Verify: %v", err)
	}
	ops := make([]string, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, string(e.Event.Op))
	}
	want := []string{"create", "source", "type", "attach", "detach", "destroy"}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Errorf("audit ops = %v, want %v", ops, want)
	}
}

func TestDaemon_RestoresCatalog(t *testing.T) {
	cfg := testConfig(t)

	first := daemon.New(cfg, nil, daemon.WithRunner(pipeRunner{}), daemon.WithAttacher(nopAttach))
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ns := first.Namespace()
	ctx := context.Background()
	for _, name := range []string{"loaded", "empty"} {
		if err := ns.Create(name); err != nil {
			t.Fatal(err)
		}
	}
	if err := ns.Write(ctx, namespace.Key{Function: "loaded", Role: namespace.RoleSource}, []byte("int x;")); err != nil {
		t.Fatal(err)
	}
	if err := ns.Write(ctx, namespace.Key{Function: "loaded", Role: namespace.RoleType}, []byte("kprobe")); err != nil {
		t.Fatal(err)
	}
	if err := first.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	second := start(t, cfg)
	infos := second.Namespace().List()
	if len(infos) != 2 {
		t.Fatalf("restored %d functions, want 2", len(infos))
	}
	byName := map[string]function.Info{}
	for _, info := range infos {
		byName[info.Name] = info
	}
	if got := byName["loaded"].Status; got != function.StatusLoaded {
		t.Errorf("loaded: status %v, want loaded", got)
	}
	if got := byName["empty"].Status; got != function.StatusEmpty {
		t.Errorf("empty: status %v, want empty", got)
	}
}

func TestDaemon_StartTwice(t *testing.T) {
	d := start(t, testConfig(t))
	if err := d.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestDaemon_StopIdempotent(t *testing.T) {
	d := start(t, testConfig(t))
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := d.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestDaemon_StartFailsOnBadPublicKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Auth.PublicKeyPath = filepath.Join(filepath.Dir(cfg.Audit.Path), "missing.pem")
	d := daemon.New(cfg, nil, daemon.WithRunner(pipeRunner{}))
	if err := d.Start(context.Background()); err == nil {
		d.Stop(context.Background())
		t.Fatal("expected Start to fail without the public key")
	}
	// The socket must have been released so a later start can bind it.
	if _, err := os.Stat(cfg.Transport.SocketPath); err == nil {
		t.Error("socket file left behind after failed Start")
	}
}

func TestDaemon_NoHTTP(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Addr = ""
	d := start(t, cfg)
	if d.HTTPAddr() != "" {
		t.Errorf("HTTPAddr = %q, want empty", d.HTTPAddr())
	}
}

func TestDaemon_EventStream(t *testing.T) {
	d := start(t, testConfig(t))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+d.HTTPAddr()+"/api/v1/events?function=hello", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()
	// The handler registers the client after the upgrade completes.
	time.Sleep(50 * time.Millisecond)

	mustRequest(t, d, http.MethodPost, "/api/v1/functions", `{"name":"hello"}`, http.StatusCreated)
	mustRequest(t, d, http.MethodPut, "/api/v1/functions/hello/source", "int x;", http.StatusOK)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"create", "source"} {
		var m struct {
			Type string `json:"type"`
			Data struct {
				Function string `json:"function"`
				Op       string `json:"op"`
			} `json:"data"`
		}
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if m.Data.Function != "hello" || m.Data.Op != want {
			t.Errorf("event = %+v, want op %s", m, want)
		}
	}
}
