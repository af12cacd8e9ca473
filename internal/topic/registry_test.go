package topic

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cockroachdb/pebble"

	"github.com/scorego/sluice/internal/commitlog"
	pebblestore "github.com/scorego/sluice/internal/storage/pebble"
)

func newTestDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestRegistry(t *testing.T, db *pebblestore.DB) *Registry {
	t.Helper()
	r, err := OpenRegistry(RegistryOptions{DB: db})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return r
}

func TestCreateAppliesDefaults(t *testing.T) {
	r := newTestRegistry(t, newTestDB(t))
	tp, err := r.Create("orders", Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	def := DefaultConfig()
	if tp.Config.Partitions != def.Partitions {
		t.Fatalf("partitions: got %d want %d", tp.Config.Partitions, def.Partitions)
	}
	if tp.Config.VisibilityTimeoutMs != def.VisibilityTimeoutMs {
		t.Fatalf("visibility: got %d want %d", tp.Config.VisibilityTimeoutMs, def.VisibilityTimeoutMs)
	}
	if tp.CreatedAtMs == 0 {
		t.Fatalf("createdAtMs not set")
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	r := newTestRegistry(t, newTestDB(t))
	if _, err := r.Create("orders", Config{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create("orders", Config{}); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create: got %v want ErrExists", err)
	}
}

func TestCreateRejectsBadNames(t *testing.T) {
	r := newTestRegistry(t, newTestDB(t))
	for _, name := range []string{"", "a/b", "sp ace", "tab\tname", strings.Repeat("x", 241)} {
		if _, err := r.Create(name, Config{}); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("name %q: got %v want ErrInvalidName", name, err)
		}
	}
	if _, err := r.Create("ok-name.v2_x", Config{}); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
}

func TestCreateRejectsBadConfig(t *testing.T) {
	r := newTestRegistry(t, newTestDB(t))
	cases := []Config{
		{Partitions: -1},
		{MaxDeliveryAttempts: -2},
		{VisibilityTimeoutMs: -5},
		{RetentionAgeMs: -1},
		{DLQTopic: "orders"}, // self-referential
	}
	for i, cfg := range cases {
		if _, err := r.Create("orders", cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: got %v want ErrInvalidConfig", i, err)
		}
	}
}

func TestEnsureIdempotent(t *testing.T) {
	r := newTestRegistry(t, newTestDB(t))
	t1, err := r.Ensure("orders-dlq", Config{Partitions: 1})
	if err != nil {
		t.Fatalf("ensure1: %v", err)
	}
	// Second ensure with a different config keeps the original.
	t2, err := r.Ensure("orders-dlq", Config{Partitions: 8})
	if err != nil {
		t.Fatalf("ensure2: %v", err)
	}
	if t1.CreatedAtMs != t2.CreatedAtMs || t2.Config.Partitions != 1 {
		t.Fatalf("not idempotent: %+v vs %+v", t1, t2)
	}
}

func TestGetUnknown(t *testing.T) {
	r := newTestRegistry(t, newTestDB(t))
	if _, err := r.Get("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get: got %v want ErrNotFound", err)
	}
}

func TestListSorted(t *testing.T) {
	r := newTestRegistry(t, newTestDB(t))
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if _, err := r.Create(name, Config{}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	got := r.List()
	want := []string{"alpha", "bravo", "charlie"}
	if len(got) != len(want) {
		t.Fatalf("list: got %d topics want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("list[%d]: got %s want %s", i, got[i].Name, name)
		}
	}
}

func TestCatalogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	r := newTestRegistry(t, db)
	created, err := r.Create("orders", Config{Partitions: 2, DLQTopic: "orders-dlq"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	r2 := newTestRegistry(t, db2)
	got, err := r2.Get("orders")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Config != created.Config || got.CreatedAtMs != created.CreatedAtMs {
		t.Fatalf("meta changed across reopen: %+v vs %+v", got, created)
	}
}

func TestDeleteEmptyTopic(t *testing.T) {
	r := newTestRegistry(t, newTestDB(t))
	if _, err := r.Create("orders", Config{Partitions: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Delete("orders", false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Get("orders"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: got %v want ErrNotFound", err)
	}
	if err := r.Delete("orders", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: got %v want ErrNotFound", err)
	}
}

func TestDeleteBlockedWhileRecordsRetained(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := newTestRegistry(t, db)
	if _, err := r.Create("orders", Config{Partitions: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	l, err := commitlog.OpenLog(db, "orders", 0)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := l.Append(ctx, []commitlog.AppendRecord{{Payload: []byte("v")}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := r.Delete("orders", false); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("delete with records: got %v want ErrNotEmpty", err)
	}
	if err := r.Delete("orders", true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	first, next, err := commitlog.PartitionBounds(db, "orders", 0)
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if first != 0 || next != 0 {
		t.Fatalf("log not drained: first=%d next=%d", first, next)
	}
}

func TestDeleteBlockedByGroupState(t *testing.T) {
	db := newTestDB(t)
	r := newTestRegistry(t, db)
	if _, err := r.Create("orders", Config{Partitions: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Plant a lease the way the visibility tracker would.
	leaseKey := []byte("x/orders/workers/\x00\x00\x00\x00/\x00\x00\x00\x00\x00\x00\x00\x07")
	if err := db.Set(leaseKey, []byte("{}")); err != nil {
		t.Fatalf("set lease: %v", err)
	}

	if err := r.Delete("orders", false); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("delete with lease: got %v want ErrNotEmpty", err)
	}
	if err := r.Delete("orders", true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	if _, err := db.Get(leaseKey); !errors.Is(err, pebble.ErrNotFound) {
		t.Fatalf("lease survived drain: %v", err)
	}
}

func TestDeleteScopesDrainToOneTopic(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := newTestRegistry(t, db)
	for _, name := range []string{"orders", "orders2"} {
		if _, err := r.Create(name, Config{Partitions: 1}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		l, err := commitlog.OpenLog(db, name, 0)
		if err != nil {
			t.Fatalf("open log %s: %v", name, err)
		}
		if _, err := l.Append(ctx, []commitlog.AppendRecord{{Payload: []byte(name)}}); err != nil {
			t.Fatalf("append %s: %v", name, err)
		}
	}

	if err := r.Delete("orders", true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	first, next, err := commitlog.PartitionBounds(db, "orders2", 0)
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if first != 0 || next != 1 {
		t.Fatalf("neighbor topic drained: first=%d next=%d", first, next)
	}
	if _, err := r.Get("orders2"); err != nil {
		t.Fatalf("neighbor topic meta lost: %v", err)
	}
}

func TestStatsCountsRetained(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := newTestRegistry(t, db)
	if _, err := r.Create("orders", Config{Partitions: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	l, err := commitlog.OpenLog(db, "orders", 1)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, []commitlog.AppendRecord{{Payload: []byte{byte(i)}}}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if _, err := l.TrimBefore(ctx, 1, 0, 0); err != nil {
		t.Fatalf("trim: %v", err)
	}

	st, err := r.Stats("orders")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(st.Partitions) != 2 {
		t.Fatalf("partitions: got %d want 2", len(st.Partitions))
	}
	if st.Partitions[0].NextOffset != 0 {
		t.Fatalf("partition 0 should be empty, next=%d", st.Partitions[0].NextOffset)
	}
	if st.Partitions[1].FirstOffset != 1 || st.Partitions[1].NextOffset != 3 {
		t.Fatalf("partition 1 window: [%d,%d) want [1,3)", st.Partitions[1].FirstOffset, st.Partitions[1].NextOffset)
	}
	if st.Records != 2 {
		t.Fatalf("records: got %d want 2", st.Records)
	}
}
