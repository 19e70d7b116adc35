// Package pagecache is the two-tier listing page cache: an in-process map in
// front of a quota-bound persistent kv.Store. Storage failures never reach
// callers; they degrade to a cache miss or to a memory-only entry.
package pagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mohammed-shakir/listing-overlay/internal/cache/keys"
	"github.com/mohammed-shakir/listing-overlay/internal/cache/kv"
	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/core/observability"
)

const (
	DefaultHardTTL     = 24 * time.Hour
	DefaultMaxEntries  = 10
	DefaultKeepEntries = 5
)

type Options struct {
	// HardTTL is the long-lived expiry used by EvictExpired.
	HardTTL time.Duration
	// MaxEntries bounds the persistent tier; trimming keeps KeepEntries.
	MaxEntries  int
	KeepEntries int
	Logger      *slog.Logger
	Now         func() time.Time
}

type entry struct {
	listings []model.Listing
	ts       time.Time
}

type Store struct {
	log     *slog.Logger
	persist kv.Store
	opts    Options
	now     func() time.Time

	mu  sync.RWMutex
	mem map[string]entry
}

// New builds the store and sweeps expired persistent entries once.
func New(ctx context.Context, persist kv.Store, opts Options) *Store {
	if opts.HardTTL <= 0 {
		opts.HardTTL = DefaultHardTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.KeepEntries <= 0 || opts.KeepEntries > opts.MaxEntries {
		opts.KeepEntries = min(DefaultKeepEntries, opts.MaxEntries)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if persist == nil {
		persist = kv.NewMemory(0)
	}
	s := &Store{
		log:     opts.Logger,
		persist: persist,
		opts:    opts,
		now:     opts.Now,
		mem:     map[string]entry{},
	}
	s.EvictExpired(ctx)
	return s
}

// Get checks memory first, then the persistent tier. Persistent hits are
// promoted into memory with their stored timestamp.
func (s *Store) Get(ctx context.Context, key string) ([]model.Listing, bool) {
	s.mu.RLock()
	e, ok := s.mem[key]
	s.mu.RUnlock()
	if ok && e.listings != nil {
		observability.IncCacheResult("memory", "hit")
		return e.listings, true
	}
	observability.IncCacheResult("memory", "miss")

	raw, err := s.persist.Get(ctx, keys.Data(key))
	if errors.Is(err, kv.ErrNotFound) {
		observability.IncCacheResult("persistent", "miss")
		return nil, false
	}
	if err != nil {
		s.log.WarnContext(ctx, "persistent cache read failed", "key", key, "err", err)
		s.purge(ctx, key)
		observability.IncCacheResult("persistent", "error")
		return nil, false
	}

	var listings []model.Listing
	if err := json.Unmarshal([]byte(raw), &listings); err != nil {
		s.log.WarnContext(ctx, "corrupt persistent cache entry purged", "key", key, "err", err)
		s.purge(ctx, key)
		observability.IncCacheResult("persistent", "corrupt")
		return nil, false
	}
	ts, err := s.persistedTimestamp(ctx, key)
	if err != nil {
		s.log.WarnContext(ctx, "corrupt persistent cache timestamp purged", "key", key, "err", err)
		s.purge(ctx, key)
		observability.IncCacheResult("persistent", "corrupt")
		return nil, false
	}
	if listings == nil {
		listings = []model.Listing{}
	}

	s.mu.Lock()
	s.mem[key] = entry{listings: listings, ts: ts}
	s.mu.Unlock()
	observability.IncCacheResult("persistent", "hit")
	return listings, true
}

// Put stores listings in memory and mirrors a compacted copy to the
// persistent tier on a best-effort basis.
func (s *Store) Put(ctx context.Context, key string, listings []model.Listing) {
	now := s.now()
	s.mu.Lock()
	s.mem[key] = entry{listings: listings, ts: now}
	s.mu.Unlock()

	compact := make([]model.Listing, len(listings))
	for i, l := range listings {
		compact[i] = l.Compact()
	}
	payload, err := json.Marshal(compact)
	if err != nil {
		s.log.WarnContext(ctx, "page not persisted: encode failed", "key", key, "err", err)
		return
	}

	s.makeRoom(ctx, key)
	err = s.writePersistent(ctx, key, string(payload), now)
	if errors.Is(err, kv.ErrQuotaExceeded) {
		s.log.WarnContext(ctx, "persistent quota exceeded; clearing page cache prefix",
			"key", key, "size", humanize.Bytes(uint64(len(payload))))
		s.emergencyClear(ctx)
		err = s.writePersistent(ctx, key, string(payload), now)
	}
	if err != nil {
		s.log.WarnContext(ctx, "page kept in memory only", "key", key, "err", err)
		s.purgePersistent(ctx, key)
	}
}

func (s *Store) writePersistent(ctx context.Context, key, payload string, ts time.Time) error {
	if err := s.persist.Set(ctx, keys.Data(key), payload); err != nil {
		return fmt.Errorf("persist data: %w", err)
	}
	if err := s.persist.Set(ctx, keys.Timestamp(key), strconv.FormatInt(ts.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("persist timestamp: %w", err)
	}
	return nil
}

// IsValid reports whether the freshest timestamp for key is younger than ttl.
func (s *Store) IsValid(ctx context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	s.mu.RLock()
	e, ok := s.mem[key]
	s.mu.RUnlock()
	if ok && !e.ts.IsZero() {
		return s.now().Sub(e.ts) < ttl
	}
	ts, err := s.persistedTimestamp(ctx, key)
	if err != nil {
		return false
	}
	return s.now().Sub(ts) < ttl
}

// EvictExpired drops entries older than the hard TTL from both tiers.
func (s *Store) EvictExpired(ctx context.Context) int {
	now := s.now()
	removed := 0

	s.mu.Lock()
	for k, e := range s.mem {
		if now.Sub(e.ts) > s.opts.HardTTL {
			delete(s.mem, k)
			removed++
		}
	}
	s.mu.Unlock()

	entries, err := s.persistedEntries(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "expired sweep skipped persistent tier", "err", err)
		observability.AddCacheEvictions("expired", removed)
		return removed
	}
	for _, pe := range entries {
		if pe.ts.IsZero() || now.Sub(pe.ts) > s.opts.HardTTL {
			s.purgePersistent(ctx, pe.key)
			removed++
		}
	}
	observability.AddCacheEvictions("expired", removed)
	return removed
}

// EvictIfOverCapacity trims the persistent tier to KeepEntries newest
// entries once it holds more than MaxEntries.
func (s *Store) EvictIfOverCapacity(ctx context.Context) int {
	entries, err := s.persistedEntries(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "capacity check failed", "err", err)
		return 0
	}
	if len(entries) <= s.opts.MaxEntries {
		return 0
	}
	return s.trimOldest(ctx, entries)
}

// makeRoom trims ahead of a write that would push the tier over MaxEntries.
func (s *Store) makeRoom(ctx context.Context, incoming string) {
	entries, err := s.persistedEntries(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "capacity check failed", "err", err)
		return
	}
	n := len(entries)
	for _, e := range entries {
		if e.key == incoming {
			n--
			break
		}
	}
	if n+1 <= s.opts.MaxEntries {
		return
	}
	others := entries[:0:0]
	for _, e := range entries {
		if e.key != incoming {
			others = append(others, e)
		}
	}
	s.trimOldest(ctx, others)
}

func (s *Store) trimOldest(ctx context.Context, entries []persisted) int {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ts.Equal(entries[j].ts) {
			return entries[i].key < entries[j].key
		}
		return entries[i].ts.Before(entries[j].ts)
	})
	drop := len(entries) - s.opts.KeepEntries
	if drop <= 0 {
		return 0
	}
	for _, e := range entries[:drop] {
		s.purgePersistent(ctx, e.key)
		s.log.DebugContext(ctx, "evicted old persistent cache entry", "key", e.key)
	}
	observability.AddCacheEvictions("capacity", drop)
	return drop
}

// Delete removes keys from both tiers and reports how many were present.
func (s *Store) Delete(ctx context.Context, ks ...string) int {
	n := 0
	for _, k := range ks {
		s.mu.Lock()
		if _, ok := s.mem[k]; ok {
			delete(s.mem, k)
			n++
		}
		s.mu.Unlock()
		if _, err := s.persist.Get(ctx, keys.Data(k)); err == nil {
			s.purgePersistent(ctx, k)
			n++
		}
	}
	observability.AddCacheEvictions("invalidated", n)
	return n
}

// Run sweeps expired entries every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.EvictExpired(ctx); n > 0 {
				s.log.InfoContext(ctx, "expired page cache entries removed", "count", n)
			}
		}
	}
}

// memLen reports the number of in-process entries.
func (s *Store) memLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mem)
}

// persistedKeys lists page keys currently in the persistent tier.
func (s *Store) persistedKeys(ctx context.Context) []string {
	entries, err := s.persistedEntries(ctx)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.key)
	}
	sort.Strings(out)
	return out
}

type persisted struct {
	key string
	ts  time.Time
}

func (s *Store) persistedEntries(ctx context.Context) ([]persisted, error) {
	all, err := s.persist.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persistent keys: %w", err)
	}
	var out []persisted
	for _, k := range all {
		pk, ok := keys.FromPersisted(k)
		if !ok {
			continue
		}
		ts, _ := s.persistedTimestamp(ctx, pk)
		out = append(out, persisted{key: pk, ts: ts})
	}
	return out, nil
}

func (s *Store) persistedTimestamp(ctx context.Context, key string) (time.Time, error) {
	raw, err := s.persist.Get(ctx, keys.Timestamp(key))
	if err != nil {
		return time.Time{}, fmt.Errorf("read timestamp: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return time.UnixMilli(ms), nil
}

func (s *Store) emergencyClear(ctx context.Context) {
	all, err := s.persist.Keys(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "emergency cache clear failed", "err", err)
		return
	}
	n := 0
	for _, k := range all {
		if !strings.HasPrefix(k, keys.PersistPrefix) {
			continue
		}
		if _, ok := keys.FromPersisted(k); ok {
			n++
		}
		_ = s.persist.Remove(ctx, k)
	}
	observability.AddCacheEvictions("emergency", n)
}

func (s *Store) purge(ctx context.Context, key string) {
	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()
	s.purgePersistent(ctx, key)
}

func (s *Store) purgePersistent(ctx context.Context, key string) {
	if err := s.persist.Remove(ctx, keys.Data(key)); err != nil {
		s.log.DebugContext(ctx, "remove persistent entry", "key", key, "err", err)
	}
	if err := s.persist.Remove(ctx, keys.Timestamp(key)); err != nil {
		s.log.DebugContext(ctx, "remove persistent timestamp", "key", key, "err", err)
	}
}
