package adapters

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryCache_PutGet(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Put(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(val) != "v" {
		t.Fatalf("expected hit v, got val=%s ok=%v err=%v", val, ok, err)
	}
}

func TestInMemoryCache_TTLExpiry(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	if err := c.Put(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok, err := c.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected expired entry to miss, got ok=%v err=%v", ok, err)
	}
}

func TestInMemoryCache_NoTTLNeverExpires(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	if err := c.Put(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok, err := c.Get(ctx, "k"); err != nil || !ok {
		t.Fatalf("expected zero-ttl entry to persist, got ok=%v err=%v", ok, err)
	}
}
