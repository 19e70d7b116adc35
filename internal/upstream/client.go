// Package upstream talks to the listings API: paginated listing pages, staff
// groups and property details.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/core/observability"
)

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream status %d: %s", e.Endpoint, e.Code, e.Body)
}

type Interface interface {
	ListListings(ctx context.Context, loc model.Location, limit, skip int, mode model.ReviewsCountMode) ([]model.Listing, error)
	StaffGroups(ctx context.Context) ([]StaffGroup, error)
	PropertyDetails(ctx context.Context, codes []string) ([]model.Listing, error)
}

type Options struct {
	BaseURL string
	Token   string
	UserID  string
	// RPS <= 0 disables rate limiting.
	RPS    float64
	Burst  int
	HTTP   *http.Client
	Logger *slog.Logger
}

type Client struct {
	logger   *slog.Logger
	client   *http.Client
	base     *url.URL
	token    string
	userID   string
	limiter  *rate.Limiter
	now      func() time.Time
}

var _ Interface = (*Client)(nil)

func New(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api base url %q must be absolute", opts.BaseURL)
	}
	hc := opts.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	var lim *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return &Client{
		logger:   lg,
		client:   hc,
		base:     u,
		token:    opts.Token,
		userID:   opts.UserID,
		limiter:  lim,
		now:      time.Now,
	}, nil
}

// ListListings fetches one page of listings around loc. The mode is only
// sent when it differs from current.
func (c *Client) ListListings(ctx context.Context, loc model.Location, limit, skip int, mode model.ReviewsCountMode) ([]model.Listing, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("lat", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(loc.Lng, 'f', -1, 64))
	q.Set("skip", strconv.Itoa(skip))
	if mode != "" && mode != model.ModeCurrent {
		q.Set("reviews_count_mode", string(mode))
	}

	var out []model.Listing
	if err := c.do(ctx, http.MethodPost, "/airbnb-listings", q, false, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Listing{}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, auth bool, dst any) error {
	endpoint := strings.TrimPrefix(path, "/")
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit wait: %w", endpoint, err)
		}
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("token", c.token)
		req.Header.Set("user_id", c.userID)
	}

	start := c.now()
	resp, err := c.client.Do(req)
	dur := c.now().Sub(start)
	if err != nil {
		observability.ObserveUpstream(endpoint, err, dur.Seconds())
		return fmt.Errorf("%s: do request: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		serr := &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		observability.ObserveUpstream(endpoint, serr, dur.Seconds())
		return serr
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		observability.ObserveUpstream(endpoint, err, dur.Seconds())
		return fmt.Errorf("%s: decode body: %w", endpoint, err)
	}
	observability.ObserveUpstream(endpoint, nil, dur.Seconds())
	c.logger.DebugContext(ctx, "upstream call done",
		"endpoint", endpoint, "status", resp.StatusCode, "duration", dur.String())
	return nil
}
