package coherence

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/opsboard/coherence/codec"
	"github.com/opsboard/coherence/epoch"
)

// flakyEpochs wraps the real local store and fails the first N bumps.
type flakyEpochs struct {
	inner    epoch.Store
	mu       sync.Mutex
	failures int
	bumps    int
}

var errEpochDown = errors.New("epoch store down")

func newTestEpochs(t *testing.T) epoch.Store {
	t.Helper()
	s := epoch.NewLocal(0, 0)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func (f *flakyEpochs) Snapshot(ctx context.Context, ns string) (uint64, error) {
	return f.inner.Snapshot(ctx, ns)
}

func (f *flakyEpochs) SnapshotMany(ctx context.Context, nss []string) (map[string]uint64, error) {
	return f.inner.SnapshotMany(ctx, nss)
}

func (f *flakyEpochs) Bump(ctx context.Context, ns string) (uint64, error) {
	f.mu.Lock()
	f.bumps++
	fail := f.bumps <= f.failures
	f.mu.Unlock()
	if fail {
		return 0, errEpochDown
	}
	return f.inner.Bump(ctx, ns)
}

func (f *flakyEpochs) Cleanup(r time.Duration) { f.inner.Cleanup(r) }

func (f *flakyEpochs) Close(ctx context.Context) error { return f.inner.Close(ctx) }

func newTestInvalidator(t *testing.T, c *Cache, opts InvalidatorOptions) *Invalidator {
	t.Helper()
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 5 * time.Millisecond
	}
	inv := NewInvalidator(c, opts)
	t.Cleanup(inv.Close)
	return inv
}

func mustFlush(t *testing.T, inv *Invalidator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inv.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestCommitPurgesCascade(t *testing.T) {
	c := newTestCache(t, Options{Provider: newMemProvider()})
	inv := newTestInvalidator(t, c, InvalidatorOptions{})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	// warm three namespaces; finalizing an invoice must purge invoices and
	// reports but leave tasks alone
	warm := map[string]string{
		"invoices": "resp:invoices:list",
		"reports":  "resp:reports:revenue",
		"tasks":    "resp:tasks:list",
	}
	for ns, key := range warm {
		load, _ := countingLoader("v")
		if _, _, err := Cached(ctx, c, ns, key, cod, load); err != nil {
			t.Fatal(err)
		}
	}

	if err := inv.Commit(ctx, "invoice", OpUpdate); err != nil {
		t.Fatal(err)
	}
	mustFlush(t, inv)

	for _, ns := range []string{"invoices", "reports"} {
		load, calls := countingLoader("fresh")
		if _, hit, _ := Cached(ctx, c, ns, warm[ns], cod, load); hit || *calls != 1 {
			t.Fatalf("namespace %s still served cached data after commit", ns)
		}
	}
	load, _ := countingLoader("fresh")
	if _, hit, _ := Cached(ctx, c, "tasks", warm["tasks"], cod, load); !hit {
		t.Fatal("unrelated namespace was purged")
	}
}

func TestCommitUnknownEntity(t *testing.T) {
	c := newTestCache(t, Options{Provider: newMemProvider()})
	inv := newTestInvalidator(t, c, InvalidatorOptions{})

	if err := inv.Commit(context.Background(), "widget", OpInsert); err != ErrUnknownEntity {
		t.Fatalf("err = %v, want ErrUnknownEntity", err)
	}
}

func TestPurgeRetriesThenClearsDirty(t *testing.T) {
	flaky := &flakyEpochs{inner: newTestEpochs(t), failures: 2}
	c := newTestCache(t, Options{Provider: newMemProvider(), Epochs: flaky})
	inv := newTestInvalidator(t, c, InvalidatorOptions{MaxAttempts: 5})

	if err := inv.Commit(context.Background(), "lead", OpInsert); err != nil {
		t.Fatal(err)
	}
	mustFlush(t, inv)

	if c.IsDirty("leads") {
		t.Fatal("namespace still dirty after a purge eventually succeeded")
	}
}

func TestExhaustedPurgeLeavesNamespaceDirty(t *testing.T) {
	flaky := &flakyEpochs{inner: newTestEpochs(t), failures: 1 << 30}
	hooks := newRecordingHooks()
	c := newTestCache(t, Options{Provider: newMemProvider(), Epochs: flaky, Hooks: hooks})
	inv := newTestInvalidator(t, c, InvalidatorOptions{MaxAttempts: 2})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	if err := inv.Commit(ctx, "lead", OpInsert); err != nil {
		t.Fatal(err)
	}
	mustFlush(t, inv)

	if !c.IsDirty("leads") {
		t.Fatal("namespace marked clean although no purge succeeded")
	}
	if hooks.exhausted != 1 {
		t.Fatalf("PurgeExhausted fired %d times, want 1", hooks.exhausted)
	}

	// stale data is never served from a dirty namespace
	load, calls := countingLoader("live")
	if _, hit, _ := Cached(ctx, c, "leads", "resp:leads:list", cod, load); hit || *calls != 1 {
		t.Fatal("dirty namespace served from cache")
	}
}

func TestCommitThenReadRecomputes(t *testing.T) {
	c := newTestCache(t, Options{Provider: newMemProvider()})
	inv := newTestInvalidator(t, c, InvalidatorOptions{})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	key := Key("tasks", "/api/tasks", nil, "")
	load1, _ := countingLoader("before-commit")
	if _, _, err := Cached(ctx, c, "tasks", key, cod, load1); err != nil {
		t.Fatal(err)
	}

	if err := inv.Commit(ctx, "task", OpUpdate); err != nil {
		t.Fatal(err)
	}
	mustFlush(t, inv)

	load2, _ := countingLoader("after-commit")
	v, hit, err := Cached(ctx, c, "tasks", key, cod, load2)
	if err != nil || hit || v != "after-commit" {
		t.Fatalf("read after commit: v=%q hit=%v err=%v", v, hit, err)
	}
}

func TestCommitAfterCloseReturnsErrClosed(t *testing.T) {
	c := newTestCache(t, Options{Provider: newMemProvider()})
	inv := NewInvalidator(c, InvalidatorOptions{})
	inv.Close()

	if err := inv.Commit(context.Background(), "lead", OpInsert); err != ErrClosed {
		t.Fatalf("Commit after Close: %v, want ErrClosed", err)
	}
}

func TestCommitRacingCloseNeverPanics(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		c, err := New(Options{Provider: newMemProvider()})
		if err != nil {
			t.Fatal(err)
		}
		inv := NewInvalidator(c, InvalidatorOptions{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := inv.Commit(ctx, "task", OpUpdate); err == ErrClosed {
					return
				}
			}
		}()

		inv.Close()
		wg.Wait()
		_ = c.Close(ctx)
	}
}

func TestRulesetNamespaces(t *testing.T) {
	rs := DefaultRuleset()

	cases := map[string][]string{
		"task":      {"tasks", "projects", "reports"},
		"ticket":    {"tickets", "reports"},
		"invoice":   {"invoices", "reports"},
		"timesheet": {"timesheets", "reports"},
		"lead":      {"leads"},
		"client":    {"clients"},
		"project":   {"projects", "reports"},
	}
	for entity, want := range cases {
		got, ok := rs.Namespaces(entity)
		if !ok {
			t.Fatalf("no rule for %s", entity)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s purge set = %v, want %v", entity, got, want)
		}
	}
	if _, ok := rs.Namespaces("widget"); ok {
		t.Fatal("undeclared entity matched a rule")
	}

	// duplicates in a declared rule collapse
	dup := Ruleset{"x": {Own: "a", Cascade: []string{"b", "a", "b"}}}
	got, _ := dup.Namespaces("x")
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("dedup failed: %v", got)
	}
}
