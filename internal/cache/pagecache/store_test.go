package pagecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mohammed-shakir/listing-overlay/internal/cache/keys"
	"github.com/mohammed-shakir/listing-overlay/internal/cache/kv"
	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore(t *testing.T, persist kv.Store, c *clock) *Store {
	t.Helper()
	return New(context.Background(), persist, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    c.now,
	})
}

func listing(id string, lat, lng float64) model.Listing {
	return model.Listing{ID: model.ListingID(id), Latitude: lat, Longitude: lng, Review: model.Float(4.87)}
}

func TestPutThenValidUntilTTL(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	s := newStore(t, kv.NewMemory(0), c)

	s.Put(ctx, "1.00_2.00_0_current", []model.Listing{listing("1", 1, 2)})
	if !s.IsValid(ctx, "1.00_2.00_0_current", time.Hour) {
		t.Fatal("fresh entry should be valid")
	}
	c.advance(time.Hour + time.Millisecond)
	if s.IsValid(ctx, "1.00_2.00_0_current", time.Hour) {
		t.Fatal("entry older than ttl should be invalid")
	}
	if s.IsValid(ctx, "missing", time.Hour) {
		t.Fatal("missing key cannot be valid")
	}
	if s.IsValid(ctx, "1.00_2.00_0_current", 0) {
		t.Fatal("zero ttl is never valid")
	}
}

func TestGetPromotesPersistedEntry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	persist := kv.NewMemory(0)

	first := newStore(t, persist, c)
	first.Put(ctx, "k", []model.Listing{listing("7", 1.1234567, 2.7654321)})

	c.advance(10 * time.Minute)
	second := newStore(t, persist, c)
	if second.memLen() != 0 {
		t.Fatalf("fresh store should start with empty memory tier")
	}
	got, ok := second.Get(ctx, "k")
	if !ok {
		t.Fatal("expected persistent hit")
	}
	want := []model.Listing{{
		ID: "7", Latitude: 1.12346, Longitude: 2.76543,
		Review: model.Float(4.9), Accuracy: model.Float(0), Checkin: model.Float(0),
		Cleanliness: model.Float(0), Communication: model.Float(0), Location: model.Float(0),
		Value: model.Float(0), ReviewsCount: model.Int(0),
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("promoted listings mismatch (-want +got):\n%s", diff)
	}
	if second.memLen() != 1 {
		t.Fatalf("hit should be promoted into memory")
	}
	// Promotion keeps the original write time.
	if second.IsValid(ctx, "k", 5*time.Minute) {
		t.Fatal("promoted entry should carry its persisted timestamp")
	}
}

func TestCapacityKeepsNewest(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	s := newStore(t, kv.NewMemory(0), c)

	for i := range 11 {
		s.Put(ctx, fmt.Sprintf("key%02d", i), []model.Listing{listing(strconv.Itoa(i), 1, 2)})
		c.advance(time.Second)
	}
	got := s.persistedKeys(ctx)
	want := []string{"key05", "key06", "key07", "key08", "key09", "key10"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("persisted keys (-want +got):\n%s", diff)
	}
}

func TestEvictIfOverCapacity(t *testing.T) {
	ctx := context.Background()
	persist := kv.NewMemory(0)
	for i := range 12 {
		k := fmt.Sprintf("k%02d", i)
		_ = persist.Set(ctx, keys.Data(k), "[]")
		_ = persist.Set(ctx, keys.Timestamp(k), strconv.FormatInt(int64(1_700_000_000_000+i), 10))
	}
	c := &clock{t: time.UnixMilli(1_700_000_000_100)}
	s := newStore(t, persist, c)

	if n := s.EvictIfOverCapacity(ctx); n != 7 {
		t.Fatalf("removed = %d, want 7", n)
	}
	if n := s.EvictIfOverCapacity(ctx); n != 0 {
		t.Fatalf("second pass removed = %d, want 0", n)
	}
	if got := len(s.persistedKeys(ctx)); got != 5 {
		t.Fatalf("kept = %d, want 5", got)
	}
}

func TestEvictExpired(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	persist := kv.NewMemory(0)
	_ = persist.Set(ctx, "unrelated", "stays")

	s := newStore(t, persist, c)
	s.Put(ctx, "old", []model.Listing{listing("1", 1, 2)})
	c.advance(20 * time.Hour)
	s.Put(ctx, "new", []model.Listing{listing("2", 1, 2)})
	c.advance(5 * time.Hour)

	if n := s.EvictExpired(ctx); n != 2 {
		t.Fatalf("removed = %d, want 2 (memory + persistent)", n)
	}
	if _, ok := s.Get(ctx, "old"); ok {
		t.Fatal("expired entry still readable")
	}
	if _, ok := s.Get(ctx, "new"); !ok {
		t.Fatal("young entry removed")
	}
	if v, err := persist.Get(ctx, "unrelated"); err != nil || v != "stays" {
		t.Fatalf("foreign key touched: %q %v", v, err)
	}
}

func TestStartupSweepDropsStaleEntries(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	persist := kv.NewMemory(0)
	_ = persist.Set(ctx, keys.Data("stale"), "[]")
	_ = persist.Set(ctx, keys.Timestamp("stale"), strconv.FormatInt(now.Add(-25*time.Hour).UnixMilli(), 10))
	_ = persist.Set(ctx, keys.Data("orphan"), "[]")

	newStore(t, persist, &clock{t: now})

	left, _ := persist.Keys(ctx)
	if len(left) != 0 {
		t.Fatalf("startup sweep left %v", left)
	}
}

func TestCorruptEntryIsPurged(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	persist := kv.NewMemory(0)
	_ = persist.Set(ctx, keys.Data("bad"), "{not json")
	_ = persist.Set(ctx, keys.Timestamp("bad"), strconv.FormatInt(c.t.UnixMilli(), 10))
	_ = persist.Set(ctx, keys.Data("badts"), "[]")
	_ = persist.Set(ctx, keys.Timestamp("badts"), "yesterday")

	s := newStore(t, persist, c)
	for _, k := range []string{"bad", "badts"} {
		if _, ok := s.Get(ctx, k); ok {
			t.Fatalf("%s: corrupt entry returned as hit", k)
		}
		if _, err := persist.Get(ctx, keys.Data(k)); err == nil {
			t.Fatalf("%s: corrupt entry not purged", k)
		}
	}
}

func TestQuotaFailureKeepsMemoryOnly(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	persist := kv.NewMemory(64)
	s := newStore(t, persist, c)

	big := make([]model.Listing, 20)
	for i := range big {
		big[i] = listing(strconv.Itoa(i), 1, 2)
	}
	s.Put(ctx, "big", big)

	got, ok := s.Get(ctx, "big")
	if !ok || len(got) != 20 {
		t.Fatalf("memory tier should still serve the page, ok=%v n=%d", ok, len(got))
	}
	if persist.Used() != 0 {
		t.Fatalf("partial write left %d bytes behind", persist.Used())
	}
}

func TestQuotaRecoversAfterEmergencyClear(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	persist := kv.NewMemory(600)
	s := newStore(t, persist, c)

	page := []model.Listing{listing("1", 1, 2)}
	s.Put(ctx, "a", page)
	s.Put(ctx, "b", page)
	c.advance(time.Second)
	s.Put(ctx, "c", page)

	if got := s.persistedKeys(ctx); len(got) == 0 || got[len(got)-1] != "c" {
		t.Fatalf("newest page should be persisted after clearing, got %v", got)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	s := newStore(t, kv.NewMemory(0), c)
	s.Put(ctx, "x", []model.Listing{listing("1", 1, 2)})

	if n := s.Delete(ctx, "x", "y"); n != 2 {
		t.Fatalf("deleted = %d, want 2 (both tiers of x)", n)
	}
	if _, ok := s.Get(ctx, "x"); ok {
		t.Fatal("deleted key still readable")
	}
}

// timestampFails accepts data records and rejects every timestamp sibling.
type timestampFails struct{ *kv.Memory }

func (s timestampFails) Set(ctx context.Context, key, value string) error {
	if strings.HasSuffix(key, keys.TimestampSuffix) {
		return errors.New("disk full")
	}
	return s.Memory.Set(ctx, key, value)
}

func TestPartialPersistFailureKeepsMemoryEntry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	persist := timestampFails{kv.NewMemory(0)}
	s := newStore(t, persist, c)

	s.Put(ctx, "p", []model.Listing{listing("1", 1, 2), listing("2", 1, 2)})

	if !s.IsValid(ctx, "p", time.Hour) {
		t.Fatal("memory-only entry should be valid")
	}
	got, ok := s.Get(ctx, "p")
	if !ok || len(got) != 2 {
		t.Fatalf("Get = %d listings, ok=%v", len(got), ok)
	}
	if n := persist.Used(); n != 0 {
		t.Fatalf("orphaned data record left behind: %d bytes", n)
	}
	if s.memLen() != 1 {
		t.Fatalf("memLen = %d, want 1", s.memLen())
	}
}
