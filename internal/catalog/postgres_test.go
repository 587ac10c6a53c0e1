//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/catalog/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package catalog_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/catalog"
	"github.com/tripwire/bpffs/internal/function"
)

// setupStore starts a PostgreSQL container and returns a Store connected
// to it.
func setupStore(t *testing.T) *catalog.PostgresStore {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("bpffs_test"),
		tcpostgres.WithUsername("bpffs"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	store, err := catalog.NewPostgres(ctx, connStr)
	if err != nil {
		t.Fatalf("catalog.NewPostgres: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresStore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := store.Put(ctx, catalog.Record{Name: "hello", Source: []byte("int x;"), Kind: bpf.KindKprobe, Status: function.StatusLoaded, UpdatedAt: now}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := store.PutBatch(ctx, []catalog.Record{
		{Name: "hello", Source: []byte("int y;"), Status: function.StatusSourceSet, UpdatedAt: now},
		{Name: "empty", Status: function.StatusEmpty, UpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	recs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 || recs[0].Name != "empty" || recs[1].Name != "hello" {
		t.Fatalf("List = %+v", recs)
	}
	if string(recs[1].Source) != "int y;" || recs[1].Kind != "" || recs[1].Status != function.StatusSourceSet {
		t.Errorf("hello = %+v", recs[1])
	}
	if !recs[1].UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", recs[1].UpdatedAt, now)
	}

	if err := store.Delete(ctx, "empty"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if recs, _ := store.List(ctx); len(recs) != 1 {
		t.Errorf("after delete List = %+v", recs)
	}
}

// The recorder uses PutBatch when more than one record is pending.
func TestPostgresRecorderFlush(t *testing.T) {
	store := setupStore(t)
	rec := catalog.NewRecorder(store, catalog.WithFlushInterval(time.Hour))
	rec.Observe(function.Transition{Function: "a", To: function.StatusSourceSet, Source: []byte("x"), Time: time.Now()})
	rec.Observe(function.Transition{Function: "b", To: function.StatusLoaded, Kind: bpf.KindXDP, Source: []byte("y"), Time: time.Now()})
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	recs, err := store.List(context.Background())
	if err != nil || len(recs) != 2 {
		t.Fatalf("List = %+v, %v", recs, err)
	}
	if recs[1].Kind != bpf.KindXDP {
		t.Errorf("b.Kind = %q", recs[1].Kind)
	}
}
