package memory

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDel(t *testing.T) {
	p := New(0)
	defer p.Close(context.Background())
	ctx := context.Background()

	if _, ok, _ := p.Get(ctx, "k"); ok {
		t.Fatal("unexpected hit on empty store")
	}
	if ok, err := p.Set(ctx, "k", []byte("v"), 0); !ok || err != nil {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	v, ok, err := p.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := p.Get(ctx, "k"); ok {
		t.Fatal("hit after delete")
	}
}

func TestTTLExpiry(t *testing.T) {
	p := New(0)
	defer p.Close(context.Background())
	ctx := context.Background()

	p.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	if _, ok, _ := p.Get(ctx, "k"); !ok {
		t.Fatal("expected hit before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := p.Get(ctx, "k"); ok {
		t.Fatal("hit after TTL expiry")
	}
}

func TestDelPrefix(t *testing.T) {
	p := New(0)
	defer p.Close(context.Background())
	ctx := context.Background()

	p.Set(ctx, "resp:leads:a", []byte("1"), 0)
	p.Set(ctx, "resp:leads:b", []byte("2"), 0)
	p.Set(ctx, "resp:tasks:a", []byte("3"), 0)

	n, err := p.DelPrefix(ctx, "resp:leads:")
	if err != nil {
		t.Fatalf("DelPrefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	if _, ok, _ := p.Get(ctx, "resp:tasks:a"); !ok {
		t.Fatal("unrelated namespace was deleted")
	}
}

func TestStats(t *testing.T) {
	p := New(0)
	defer p.Close(context.Background())
	ctx := context.Background()

	p.Set(ctx, "k", []byte("v"), 0)
	p.Get(ctx, "k")    // hit
	p.Get(ctx, "miss") // miss

	st, err := p.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !st.Connected || st.Keys != 1 || st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
