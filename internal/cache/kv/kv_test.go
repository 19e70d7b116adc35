package kv

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemory_SetGetRemoveKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(0)

	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err=%v want ErrNotFound", err)
	}
	_ = s.Set(ctx, "b", "2")
	_ = s.Set(ctx, "a", "1")
	if v, err := s.Get(ctx, "a"); err != nil || v != "1" {
		t.Fatalf("Get a=%q err=%v", v, err)
	}
	keys, _ := s.Keys(ctx)
	if diff := cmp.Diff([]string{"a", "b"}, keys); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	_ = s.Remove(ctx, "a")
	_ = s.Remove(ctx, "nope")
	keys, _ = s.Keys(ctx)
	if diff := cmp.Diff([]string{"b"}, keys); diff != "" {
		t.Fatalf("keys after remove (-want +got):\n%s", diff)
	}
}

func TestMemory_QuotaAccounting(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(10)

	if err := s.Set(ctx, "k", "12345"); err != nil { // 6 bytes
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "x", "12345"); !errors.Is(err, ErrQuotaExceeded) { // would be 12
		t.Fatalf("err=%v want ErrQuotaExceeded", err)
	}
	// overwriting the same key only counts the delta
	if err := s.Set(ctx, "k", "123456789"); err != nil { // 10 bytes
		t.Fatalf("overwrite within quota: %v", err)
	}
	if s.Used() != 10 {
		t.Fatalf("used=%d want 10", s.Used())
	}
	_ = s.Remove(ctx, "k")
	if s.Used() != 0 {
		t.Fatalf("used=%d want 0 after remove", s.Used())
	}
}
