package coherence

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsboard/coherence/codec"
	pr "github.com/opsboard/coherence/provider"
)

// memProvider is an in-memory Provider with switchable fault injection.
type memProvider struct {
	mu        sync.Mutex
	data      map[string][]byte
	failGet   bool
	failSet   bool
	rejectSet bool
	noPrefix  bool // DelPrefix returns ErrUnsupported
	sets      int
	dels      int
}

var errBackendDown = errors.New("backend down")

func newMemProvider() *memProvider {
	return &memProvider{data: make(map[string][]byte)}
}

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failGet {
		return nil, false, errBackendDown
	}
	v, ok := p.data[key]
	return v, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSet {
		return false, errBackendDown
	}
	if p.rejectSet {
		return false, nil
	}
	p.data[key] = append([]byte(nil), value...)
	p.sets++
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
	p.dels++
	return nil
}

func (p *memProvider) DelPrefix(_ context.Context, prefix string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noPrefix {
		return 0, pr.ErrUnsupported
	}
	n := 0
	for k := range p.data {
		if strings.HasPrefix(k, prefix) {
			delete(p.data, k)
			n++
		}
	}
	return n, nil
}

func (p *memProvider) Ping(context.Context) error { return nil }

func (p *memProvider) Stats(context.Context) (pr.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pr.Stats{Connected: true, Keys: int64(len(p.data))}, nil
}

func (p *memProvider) Close(context.Context) error { return nil }

func (p *memProvider) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.data)
}

// recordingHooks counts hook invocations.
type recordingHooks struct {
	mu          sync.Mutex
	selfHeals   map[string]int // by reason
	failOpens   int
	lastFailErr error
	rejected    int
	exhausted   int
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{selfHeals: make(map[string]int)}
}

func (h *recordingHooks) SelfHeal(_, reason string) {
	h.mu.Lock()
	h.selfHeals[reason]++
	h.mu.Unlock()
}

func (h *recordingHooks) FailOpen(_ string, err error) {
	h.mu.Lock()
	h.failOpens++
	h.lastFailErr = err
	h.mu.Unlock()
}

func (h *recordingHooks) SetRejected(string) {
	h.mu.Lock()
	h.rejected++
	h.mu.Unlock()
}

func (h *recordingHooks) PurgeRetry(string, int, error) {}

func (h *recordingHooks) PurgeExhausted(string, error) {
	h.mu.Lock()
	h.exhausted++
	h.mu.Unlock()
}

func (h *recordingHooks) EpochError(string, error) {}

func (h *recordingHooks) healed(reason string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.selfHeals[reason]
}

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// countingLoader returns v and counts invocations.
func countingLoader(v string) (func(context.Context) (string, error), *int) {
	n := new(int)
	return func(context.Context) (string, error) {
		*n++
		return v, nil
	}, n
}

func TestCachedMissThenHit(t *testing.T) {
	c := newTestCache(t, Options{Provider: newMemProvider()})
	ctx := context.Background()
	cod := codec.JSON[string]{}
	load, calls := countingLoader("tasks-page-1")

	v, hit, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load)
	if err != nil || hit || v != "tasks-page-1" {
		t.Fatalf("first read: v=%q hit=%v err=%v", v, hit, err)
	}
	v, hit, err = Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load)
	if err != nil || !hit || v != "tasks-page-1" {
		t.Fatalf("second read: v=%q hit=%v err=%v", v, hit, err)
	}
	if *calls != 1 {
		t.Fatalf("loader ran %d times, want 1", *calls)
	}
}

func TestLoaderErrorNotCached(t *testing.T) {
	c := newTestCache(t, Options{Provider: newMemProvider()})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	boom := errors.New("db gone")
	calls := 0
	load := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", boom
		}
		return "ok", nil
	}

	if _, _, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	v, hit, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load)
	if err != nil || hit || v != "ok" {
		t.Fatalf("after failed load: v=%q hit=%v err=%v", v, hit, err)
	}
}

func TestPurgeInvalidatesViaEpoch(t *testing.T) {
	// a store without prefix deletion still honors purges through epochs
	p := newMemProvider()
	p.noPrefix = true
	hooks := newRecordingHooks()
	c := newTestCache(t, Options{Provider: p, Hooks: hooks})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	load1, _ := countingLoader("v1")
	if _, _, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load1); err != nil {
		t.Fatal(err)
	}

	if err := c.PurgeNamespace(ctx, "tasks"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	load2, calls2 := countingLoader("v2")
	v, hit, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load2)
	if err != nil || hit || v != "v2" || *calls2 != 1 {
		t.Fatalf("after purge: v=%q hit=%v err=%v calls=%d", v, hit, err, *calls2)
	}
	if hooks.healed("epoch_mismatch") != 1 {
		t.Fatalf("epoch_mismatch self-heals = %d, want 1", hooks.healed("epoch_mismatch"))
	}
}

func TestPurgeReclaimsSpaceWhenSupported(t *testing.T) {
	p := newMemProvider()
	c := newTestCache(t, Options{Provider: p})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	for _, key := range []string{"resp:tasks:a", "resp:tasks:b"} {
		load, _ := countingLoader("v")
		if _, _, err := Cached(ctx, c, "tasks", key, cod, load); err != nil {
			t.Fatal(err)
		}
	}
	load, _ := countingLoader("v")
	if _, _, err := Cached(ctx, c, "projects", "resp:projects:a", cod, load); err != nil {
		t.Fatal(err)
	}

	if err := c.PurgeNamespace(ctx, "tasks"); err != nil {
		t.Fatal(err)
	}
	if p.len() != 1 {
		t.Fatalf("%d keys left, want only the projects entry", p.len())
	}
}

func TestTTLExpiryWithoutRefill(t *testing.T) {
	hooks := newRecordingHooks()
	c := newTestCache(t, Options{
		Provider: newMemProvider(),
		Hooks:    hooks,
		TTLs:     map[string]time.Duration{"tasks": 30 * time.Millisecond},
	})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	load1, _ := countingLoader("v1")
	if _, _, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load1); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)

	load2, calls2 := countingLoader("v2")
	v, hit, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load2)
	if err != nil || hit || v != "v2" || *calls2 != 1 {
		t.Fatalf("after expiry: v=%q hit=%v calls=%d err=%v", v, hit, *calls2, err)
	}
	if hooks.healed("expired") != 1 {
		t.Fatalf("expired self-heals = %d, want 1", hooks.healed("expired"))
	}
}

func TestFailOpenOnProviderError(t *testing.T) {
	p := newMemProvider()
	p.failGet = true
	p.failSet = true
	hooks := newRecordingHooks()
	c := newTestCache(t, Options{Provider: p, Hooks: hooks})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	load, calls := countingLoader("live")
	v, hit, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load)
	if err != nil || hit || v != "live" || *calls != 1 {
		t.Fatalf("fail-open read: v=%q hit=%v calls=%d err=%v", v, hit, *calls, err)
	}
	if hooks.failOpens == 0 {
		t.Fatal("FailOpen hook never fired")
	}
	if !errors.Is(hooks.lastFailErr, ErrCacheUnavailable) || !errors.Is(hooks.lastFailErr, errBackendDown) {
		t.Fatalf("hook error = %v, want ErrCacheUnavailable wrapping the provider error", hooks.lastFailErr)
	}
}

func TestDirtyNamespaceBypassesCache(t *testing.T) {
	c := newTestCache(t, Options{Provider: newMemProvider()})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	load, calls := countingLoader("v1")
	if _, _, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load); err != nil {
		t.Fatal(err)
	}

	c.MarkDirty("tasks")
	if _, hit, _ := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load); hit {
		t.Fatal("hit while namespace dirty")
	}
	if *calls != 2 {
		t.Fatalf("loader ran %d times, want 2", *calls)
	}

	// other namespaces unaffected
	other, otherCalls := countingLoader("p1")
	if _, _, err := Cached(ctx, c, "projects", "resp:projects:k1", cod, other); err != nil {
		t.Fatal(err)
	}
	if _, hit, _ := Cached(ctx, c, "projects", "resp:projects:k1", cod, other); !hit || *otherCalls != 1 {
		t.Fatal("clean namespace affected by another namespace's dirty mark")
	}
}

func TestStaleFillSkippedWhenEpochMoves(t *testing.T) {
	p := newMemProvider()
	c := newTestCache(t, Options{Provider: p})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	// a write commits and purges while the loader is reading the database
	load := func(context.Context) (string, error) {
		if err := c.PurgeNamespace(ctx, "tasks"); err != nil {
			return "", err
		}
		return "stale", nil
	}
	if _, _, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load); err != nil {
		t.Fatal(err)
	}
	if p.len() != 0 {
		t.Fatal("stale fill was stored despite the epoch moving")
	}
}

func TestSetRejectedHook(t *testing.T) {
	p := newMemProvider()
	p.rejectSet = true
	hooks := newRecordingHooks()
	c := newTestCache(t, Options{Provider: p, Hooks: hooks})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	load, _ := countingLoader("v")
	if _, _, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load); err != nil {
		t.Fatal(err)
	}
	if hooks.rejected != 1 {
		t.Fatalf("SetRejected fired %d times, want 1", hooks.rejected)
	}
}

func TestDisabledCacheAlwaysLoads(t *testing.T) {
	p := newMemProvider()
	c := newTestCache(t, Options{Provider: p, Disabled: true})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	load, calls := countingLoader("v")
	for i := 0; i < 2; i++ {
		if _, hit, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load); hit || err != nil {
			t.Fatalf("read %d: hit=%v err=%v", i, hit, err)
		}
	}
	if *calls != 2 || p.len() != 0 {
		t.Fatalf("calls=%d stored=%d, disabled cache must not store", *calls, p.len())
	}
}

func TestCorruptEntrySelfHeals(t *testing.T) {
	p := newMemProvider()
	hooks := newRecordingHooks()
	c := newTestCache(t, Options{Provider: p, Hooks: hooks})
	ctx := context.Background()
	cod := codec.JSON[string]{}

	// a foreign write under our keyspace
	if _, err := p.Set(ctx, "resp:tasks:k1", []byte("garbage"), 0); err != nil {
		t.Fatal(err)
	}

	load, _ := countingLoader("clean")
	v, hit, err := Cached(ctx, c, "tasks", "resp:tasks:k1", cod, load)
	if err != nil || hit || v != "clean" {
		t.Fatalf("v=%q hit=%v err=%v", v, hit, err)
	}
	if hooks.healed("corrupt") != 1 {
		t.Fatalf("corrupt self-heals = %d, want 1", hooks.healed("corrupt"))
	}
}

func TestKeyPrincipalAndParamScoping(t *testing.T) {
	a := Key("tasks", "/api/tasks", url.Values{"page": {"1"}, "status": {"todo"}}, "")
	b := Key("tasks", "/api/tasks", url.Values{"status": {"todo"}, "page": {"1"}}, "")
	if a != b {
		t.Fatalf("param order changed the key: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "resp:tasks:") {
		t.Fatalf("key %q outside the namespace prefix", a)
	}

	c := Key("tasks", "/api/tasks", url.Values{"page": {"1"}, "status": {"todo"}}, "user-7")
	d := Key("tasks", "/api/tasks", url.Values{"page": {"1"}, "status": {"todo"}}, "user-8")
	if c == a || c == d {
		t.Fatal("principal scoping did not separate keys")
	}

	e := Key("tasks", "/api/tasks", url.Values{"page": {"2"}, "status": {"todo"}}, "")
	if e == a {
		t.Fatal("different params produced the same key")
	}
}
