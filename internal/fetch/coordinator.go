// Package fetch resolves listing pages through the page cache and the
// upstream API, discarding results that belong to a superseded session.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/listing-overlay/internal/cache/keys"
	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/core/observability"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]model.Listing, bool)
	Put(ctx context.Context, key string, listings []model.Listing)
	IsValid(ctx context.Context, key string, ttl time.Duration) bool
}

type Lister interface {
	ListListings(ctx context.Context, loc model.Location, limit, skip int, mode model.ReviewsCountMode) ([]model.Listing, error)
}

// LiveFunc reports the session that is current right now.
type LiveFunc func() model.SessionToken

type Options struct {
	TTL      time.Duration
	PageSize int
	Logger   *slog.Logger
}

type Coordinator struct {
	cache    Cache
	api      Lister
	live     LiveFunc
	ttl      time.Duration
	pageSize int
	log      *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight is a shared upstream call; it is canceled once every waiter left.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func New(cache Cache, api Lister, live LiveFunc, opts Options) *Coordinator {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 5000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		cache:    cache,
		api:      api,
		live:     live,
		ttl:      opts.TTL,
		pageSize: opts.PageSize,
		log:      opts.Logger,
		flights:  map[string]*flight{},
	}
}

// FetchPage returns one page for loc under token. Failures, cancellation and
// supersession all yield an empty page.
func (c *Coordinator) FetchPage(ctx context.Context, loc model.Location, page int, token model.SessionToken) []model.Listing {
	mode := token.Mode
	if mode == "" {
		mode = model.ModeCurrent
	}
	key := keys.Page(loc, page, mode)
	log := c.log.With("key", key, "session", token.String())

	if c.cache.IsValid(ctx, key, c.ttl) {
		if data, ok := c.cache.Get(ctx, key); ok && len(data) > 0 {
			if !c.stillLive(token) {
				log.DebugContext(ctx, "session changed, discarding cached page")
				observability.IncPageOutcome("stale", string(mode))
				return nil
			}
			observability.IncPageOutcome("hit", string(mode))
			return data
		}
	}
	if ctx.Err() != nil {
		observability.IncPageOutcome("canceled", string(mode))
		return nil
	}

	data, err := c.shared(ctx, key, loc, page, mode)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			log.DebugContext(ctx, "page fetch aborted", "err", err)
			observability.IncPageOutcome("canceled", string(mode))
			return nil
		}
		log.WarnContext(ctx, "page fetch failed", "page", page, "err", err)
		observability.IncPageOutcome("error", string(mode))
		return nil
	}
	if !c.stillLive(token) {
		log.DebugContext(ctx, "session changed, discarding fetched page")
		observability.IncPageOutcome("stale", string(mode))
		return nil
	}
	if len(data) > 0 {
		c.cache.Put(ctx, key, data)
	}
	observability.IncPageOutcome("miss", string(mode))
	return data
}

func (c *Coordinator) stillLive(token model.SessionToken) bool {
	if c.live == nil {
		return true
	}
	return c.live().Equal(token)
}

// shared coalesces identical in-flight page requests. The caller's ctx only
// bounds its own wait; the request itself stops when nobody waits anymore.
func (c *Coordinator) shared(ctx context.Context, key string, loc model.Location, page int, mode model.ReviewsCountMode) ([]model.Listing, error) {
	c.mu.Lock()
	f := c.flights[key]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	c.mu.Unlock()
	defer c.release(key, f)

	ch := c.group.DoChan(key, func() (any, error) {
		return c.api.ListListings(f.ctx, loc, c.pageSize, page*c.pageSize, mode)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		data, _ := res.Val.([]model.Listing)
		return data, nil
	}
}

func (c *Coordinator) release(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if c.flights[key] == f {
		delete(c.flights, key)
		c.group.Forget(key)
	}
	f.cancel()
}
