package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestKeyIsStableAcrossArgOrder(t *testing.T) {
	a := map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": json.RawMessage(`2`)}
	b := map[string]json.RawMessage{"b": json.RawMessage(`2`), "a": json.RawMessage(`1`)}
	ka, err := Key("mod1", a)
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	kb, err := Key("mod1", b)
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if ka != kb {
		t.Fatalf("expected identical cache keys regardless of map construction order, got %s != %s", ka, kb)
	}
}

func TestGetMissThenSetThenHit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key, _ := Key("mod1", map[string]json.RawMessage{"a": json.RawMessage(`1`)})

	if _, ok, err := c.Get(ctx, key); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, key, json.RawMessage(`{"sum":2}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(val) != `{"sum":2}` {
		t.Fatalf("unexpected cached value: %s", val)
	}
}
