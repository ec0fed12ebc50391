package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := NewRedisCache(context.Background(), RedisOptions{Addr: mr.Addr(), Prefix: "storefront:"})
	if err != nil {
		t.Fatalf("NewRedisCache() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCache_PrefixAndTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	if err := c.Set(ctx, "bundle:42", "content", time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	raw, err := mr.Get("storefront:bundle:42")
	if err != nil || raw != "content" {
		t.Fatalf("stored key = %q, %v; want prefixed key with value", raw, err)
	}
	if mr.Exists("bundle:42") {
		t.Error("key stored without prefix")
	}
	if ttl := mr.TTL("storefront:bundle:42"); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	got, ok, err := c.Get(ctx, "bundle:42")
	if err != nil || !ok || got != "content" {
		t.Errorf("Get() = %q, %v, %v", got, ok, err)
	}

	mr.FastForward(time.Hour + time.Second)
	if _, ok, err := c.Get(ctx, "bundle:42"); ok || err != nil {
		t.Errorf("Get() after expiry = %v, %v; want miss", ok, err)
	}
}

func TestRedisCache_MissAndDelete(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	got, ok, err := c.Get(ctx, "xui:session:missing")
	if err != nil || ok || got != "" {
		t.Fatalf("Get() on missing key = %q, %v, %v; want clean miss", got, ok, err)
	}

	if err := c.Set(ctx, "xui:session:a", "cookie", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Delete(ctx, "xui:session:a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if mr.Exists("storefront:xui:session:a") {
		t.Error("Delete() left the key behind")
	}
	if err := c.Delete(ctx, "xui:session:a"); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func TestRedisCache_ServerDown(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)
	mr.Close()

	if _, ok, err := c.Get(ctx, "k"); err == nil || ok {
		t.Errorf("Get() with server down = %v, %v; want error", ok, err)
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err == nil {
		t.Error("Set() with server down should fail")
	}
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := NewRedisCache(context.Background(), RedisOptions{Addr: addr}); err == nil {
		t.Error("NewRedisCache() should fail when ping fails")
	}
}
