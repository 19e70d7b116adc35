// Package kafka consumes listing invalidation events from a Kafka topic and
// evicts the affected pages from the page cache.
package kafka

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
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/listing-overlay/internal/cache/keys"
	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/core/observability"
	"github.com/mohammed-shakir/listing-overlay/internal/invalidation"
	mylog "github.com/mohammed-shakir/listing-overlay/internal/logger"
)

// Mapper resolves event areas to location buckets and viewport cells.
type Mapper interface {
	CellFor(loc model.Location, res int) (string, error)
	BucketsForBBox(bbox model.BBox, res int) ([]model.Location, error)
	BucketsForCells(cells []string, res int) ([]model.Location, error)
}

// Purger deletes page keys from every cache tier and reports how many
// entries were removed.
type Purger interface {
	Delete(ctx context.Context, keys ...string) int
}

// Notifier is told which viewport cells lost cached pages.
type Notifier interface {
	CellsInvalidated(cells ...string) bool
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	purger   Purger
	mapper   Mapper
	notify   Notifier
	res      int
	pages    int
	ms       *runnerMetrics
	seqs     *seqGuard
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// Res is the H3 resolution used for bbox polyfill and viewport cells.
	Res   int
	Pages int
	// Notifier is optional.
	Notifier Notifier
}

func New(cfg InvalidationConfig, p Purger, m Mapper, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		purger: p,
		mapper: m,
		notify: opts.Notifier,
		res:    opts.Res,
		pages:  opts.Pages,
		ms:     newRunnerMetrics(opts.Register),
		seqs:   newSeqGuard(8192),
		assign: map[int32]struct{}{},
	}
	if r.res <= 0 {
		r.res = 7
	}
	if r.pages <= 0 {
		r.pages = 6
	}
	return r
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.active() {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.purger == nil || r.mapper == nil {
		return errors.New("kafka runner: purger and mapper are required")
	}
	if err := r.cfg.validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, r.cfg.consumerConfig())
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup:   r.setup,
		cleanup: r.cleanup,
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

func (r *Runner) setup(sess sarama.ConsumerGroupSession) {
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	r.assigned.Store(true)
	r.assign = map[int32]struct{}{}
	for _, parts := range sess.Claims() {
		for _, p := range parts {
			r.assign[p] = struct{}{}
		}
	}
}

func (r *Runner) cleanup(sarama.ConsumerGroupSession) {
	r.assignMu.Lock()
	r.assigned.Store(false)
	r.assign = map[int32]struct{}{}
	r.assignMu.Unlock()
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return true, partitions
}

// handleMessage never fails the claim: undecodable, invalid and
// unresolvable events are logged and marked.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	ctx = mylog.WithComponent(ctx, "invalidation")

	if !msg.Timestamp.IsZero() {
		r.ms.lag.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.results.WithLabelValues("rejected").Inc()
		r.log.WarnContext(ctx, "invalidation decode failed", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}
	if err := ev.Validate(); err != nil {
		r.ms.results.WithLabelValues("rejected").Inc()
		r.log.WarnContext(ctx, "invalid invalidation event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}

	err := r.Apply(ctx, ev)
	r.observe(ev.Op, err, time.Since(start))
	if err != nil {
		r.log.WarnContext(ctx, "invalidation not applied", "partition", msg.Partition, "offset", msg.Offset, "err", err)
	}
	return nil
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		r.ms.results.WithLabelValues("error").Inc()
	} else {
		r.ms.results.WithLabelValues("ok").Inc()
	}
	r.ms.latency.WithLabelValues(op).Observe(dur.Seconds())
}

// Apply evicts every page of every listed mode for the buckets ev touches
// and notifies the viewport owner.
func (r *Runner) Apply(ctx context.Context, ev invalidation.Event) error {
	modes := ev.EffectiveModes()
	if pageKey, ok := literalPageKey(ev.Key); ok {
		if !r.seqs.admit(pageKey, ev.Seq) {
			r.ms.actions.WithLabelValues("skip_version").Inc()
			return nil
		}
		r.purge(ctx, []string{pageKey})
		r.notifyBuckets(ctx, nil, ev)
		return nil
	}

	buckets, err := r.buckets(ev)
	if err != nil {
		return err
	}
	var ks []string
	var applied []model.Location
	for _, b := range buckets {
		if !r.seqs.admit(fmt.Sprintf("%.2f_%.2f", b.Lat, b.Lng), ev.Seq) {
			r.ms.actions.WithLabelValues("skip_version").Inc()
			continue
		}
		applied = append(applied, b)
		ks = append(ks, keys.PagesForBucket(b, r.pages, modes)...)
	}
	if len(applied) == 0 {
		return nil
	}
	r.ms.fanout.Observe(float64(len(applied)))
	r.purge(ctx, ks)
	r.notifyBuckets(ctx, applied, ev)
	r.log.DebugContext(ctx, "invalidation applied", "op", ev.Op, "source", ev.Source, "buckets", len(applied), "keys", len(ks))
	return nil
}

func (r *Runner) purge(ctx context.Context, ks []string) {
	n := r.purger.Delete(ctx, ks...)
	r.ms.actions.WithLabelValues("delete").Add(float64(n))
	observability.AddInvalidatedKeys(n)
}

func (r *Runner) buckets(ev invalidation.Event) ([]model.Location, error) {
	switch {
	case ev.Key != "":
		loc, err := parseBucket(ev.Key)
		if err != nil {
			return nil, err
		}
		return []model.Location{loc}, nil
	case ev.Point != nil:
		return []model.Location{ev.Point.Bucket()}, nil
	case ev.BBox != nil:
		bs, err := r.mapper.BucketsForBBox(ev.BBox.Model(), r.res)
		if err != nil {
			return nil, fmt.Errorf("buckets for bbox: %w", err)
		}
		return bs, nil
	default:
		bs, err := r.mapper.BucketsForCells(ev.H3Cells, r.res)
		if err != nil {
			return nil, fmt.Errorf("buckets for cells: %w", err)
		}
		return bs, nil
	}
}

// notifyBuckets maps the evicted buckets (and, for cell events, the cells
// themselves) to viewport cells.
func (r *Runner) notifyBuckets(ctx context.Context, buckets []model.Location, ev invalidation.Event) {
	if r.notify == nil {
		return
	}
	seen := map[string]struct{}{}
	var cells []string
	add := func(loc model.Location) {
		c, err := r.mapper.CellFor(loc, r.res)
		if err != nil {
			return
		}
		if _, dup := seen[c]; !dup {
			seen[c] = struct{}{}
			cells = append(cells, c)
		}
	}
	for _, b := range buckets {
		add(b)
	}
	if ev.Point != nil {
		add(*ev.Point)
	}
	if loc, err := parseBucket(ev.Key); err == nil {
		add(loc)
	}
	if len(cells) == 0 {
		return
	}
	if r.notify.CellsInvalidated(cells...) {
		r.ms.actions.WithLabelValues("reload").Inc()
		r.log.InfoContext(ctx, "visible area invalidated", "cells", len(cells))
	}
}

// literalPageKey reports whether k is a full "<lat>_<lng>_<page>_<mode>" key.
func literalPageKey(k string) (string, bool) {
	parts := strings.Split(k, "_")
	if len(parts) != 4 {
		return "", false
	}
	if _, err := parseBucket(parts[0] + "_" + parts[1]); err != nil {
		return "", false
	}
	if _, err := strconv.Atoi(parts[2]); err != nil {
		return "", false
	}
	if _, err := model.ParseReviewsCountMode(parts[3]); err != nil || parts[3] == "" {
		return "", false
	}
	return k, true
}

// parseBucket accepts "<lat>_<lng>" or any page key starting with it.
func parseBucket(k string) (model.Location, error) {
	parts := strings.SplitN(k, "_", 3)
	if len(parts) < 2 {
		return model.Location{}, fmt.Errorf("key %q is not a bucket", k)
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return model.Location{}, fmt.Errorf("key %q: lat: %w", k, err)
	}
	lng, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return model.Location{}, fmt.Errorf("key %q: lng: %w", k, err)
	}
	loc := model.Location{Lat: lat, Lng: lng}
	if !loc.Valid() {
		return model.Location{}, fmt.Errorf("key %q out of range", k)
	}
	return loc.Bucket(), nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return fmt.Errorf("process (partition=%d, offset=%d): %w", msg.Partition, msg.Offset, err)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
