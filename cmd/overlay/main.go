package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/listing-overlay/internal/cache/kv"
	"github.com/mohammed-shakir/listing-overlay/internal/cache/kv/rediskv"
	"github.com/mohammed-shakir/listing-overlay/internal/cache/kv/sqlitekv"
	"github.com/mohammed-shakir/listing-overlay/internal/cache/pagecache"
	"github.com/mohammed-shakir/listing-overlay/internal/cache/redisstore"
	"github.com/mohammed-shakir/listing-overlay/internal/controller"
	"github.com/mohammed-shakir/listing-overlay/internal/core/config"
	"github.com/mohammed-shakir/listing-overlay/internal/core/health"
	"github.com/mohammed-shakir/listing-overlay/internal/core/httpclient"
	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/core/observability"
	"github.com/mohammed-shakir/listing-overlay/internal/core/server"
	"github.com/mohammed-shakir/listing-overlay/internal/fetch"
	"github.com/mohammed-shakir/listing-overlay/internal/fetchevents"
	"github.com/mohammed-shakir/listing-overlay/internal/logger"
	h3mapper "github.com/mohammed-shakir/listing-overlay/internal/mapper/h3"
	"github.com/mohammed-shakir/listing-overlay/internal/metrics"
	"github.com/mohammed-shakir/listing-overlay/internal/render"
	"github.com/mohammed-shakir/listing-overlay/internal/upstream"
	invkafka "github.com/mohammed-shakir/listing-overlay/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "overlay",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if err := config.ApplyFile(&cfg, os.Getenv("CONFIG_FILE")); err != nil {
		appLog.Error("config file", "err", err)
		return 1
	}

	metricsOn := os.Getenv("METRICS_ENABLED") != "false"
	prov := metrics.Init(metrics.Config{
		Enabled: metricsOn,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
		Settings: metrics.Settings{
			PersistDriver: cfg.PersistDriver,
			Pages:         cfg.Pages,
			PageSize:      cfg.PageSize,
			H3Res:         cfg.ViewportH3Res,
		},
	})
	observability.Init(prov.Registerer(), metricsOn)

	appLog.Info("starting overlay",
		"addr", cfg.Addr,
		"version", Version,
		"api", cfg.APIBaseURL,
		"persist", cfg.PersistDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persist, closePersist, err := openPersistent(ctx, cfg)
	if err != nil {
		appLog.Error("persistent cache tier", "err", err)
		return 1
	}
	defer func() {
		if err := closePersist.Close(); err != nil {
			appLog.Warn("close persistent tier", "err", err)
		}
	}()

	pages := pagecache.New(ctx, persist, pagecache.Options{
		HardTTL:     cfg.HardTTL,
		MaxEntries:  cfg.PersistMaxEntries,
		KeepEntries: cfg.PersistKeepEntries,
		Logger:      appLog.With("component", "pagecache"),
	})
	go pages.Run(ctx, cfg.SweepInterval)

	api, err := upstream.New(upstream.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		UserID:  cfg.APIUserID,
		RPS:     cfg.UpstreamRPS,
		Burst:   cfg.UpstreamBurst,
		HTTP:    httpclient.NewOutbound(httpclient.Options{Timeout: cfg.UpstreamTimeout, MaxConnsPerHost: cfg.UpstreamBurst * 2}),
		Logger:  appLog.With("component", "upstream"),
	})
	if err != nil {
		appLog.Error("upstream client", "err", err)
		return 1
	}

	events, closeEvents := openFetchEvents(cfg, appLog)
	defer func() {
		if err := closeEvents.Close(); err != nil {
			appLog.Warn("close fetch events", "err", err)
		}
	}()

	// The coordinator and the controller depend on each other through the
	// live session token; the closure binds once the controller exists.
	var ctl *controller.Controller
	live := func() model.SessionToken { return ctl.Live() }

	coord := fetch.New(pages, api, live, fetch.Options{
		TTL:      cfg.PageTTL,
		PageSize: cfg.PageSize,
		Logger:   appLog.With("component", "fetch"),
	})
	mapper := h3mapper.New()
	sink := render.NewLatest()
	ctl = controller.New(controller.Deps{
		Fetcher: coord,
		Staff:   api,
		Sink:    sink,
		Cells:   mapper,
		Events:  events,
	}, controller.Options{
		Pages:          cfg.Pages,
		BatchSize:      cfg.BatchSize,
		Debounce:       cfg.Debounce,
		MinFetchZoom:   cfg.MinFetchZoom,
		SnapshotMaxAge: cfg.SnapshotMaxAge,
		GroupCacheSize: cfg.GroupCacheSize,
		Offset:         cfg.PolygonOffset,
		ViewportRes:    cfg.ViewportH3Res,
		SettleDelay:    100 * time.Millisecond,
		Logger:         appLog.With("component", "controller"),
	})
	defer ctl.Close()

	inv := invkafka.New(invkafka.FromConfig(cfg.Invalidation), pages, mapper, invkafka.Options{
		Logger:   appLog.With("component", "invalidation"),
		Register: prov.Registerer(),
		Res:      cfg.ViewportH3Res,
		Pages:    cfg.Pages,
		Notifier: ctl,
	})
	if err := inv.Start(ctx); err != nil {
		appLog.Error("invalidation runner", "err", err)
		return 1
	}
	defer inv.Stop()

	deps := server.Deps{
		Overlay:  ctl,
		Renderer: sink,
		Metrics:  prov.Handler(),
		Checks: map[string]health.Check{
			"persistent": func(ctx context.Context) error {
				_, err := persist.Keys(ctx)
				return err
			},
		},
	}
	if cfg.Invalidation.Enabled {
		deps.Consumer = inv
	}

	if err := server.Run(ctx, cfg.Addr, appLog, server.Handler(appLog, deps)); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openPersistent(ctx context.Context, cfg config.Config) (kv.Store, io.Closer, error) {
	switch cfg.PersistDriver {
	case "", "memory":
		return kv.NewMemory(cfg.PersistQuotaBytes), closerFunc(func() error { return nil }), nil
	case "redis":
		cli, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		// Entry count is bounded by the page cache's own capacity trim.
		return rediskv.New(cli, "overlay:", 0), cli, nil
	case "sqlite":
		s, err := sqlitekv.Open(cfg.SQLitePath, cfg.PersistQuotaBytes)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown PERSIST_DRIVER %q (want memory|redis|sqlite)", cfg.PersistDriver)
	}
}

// openFetchEvents returns a no-op sink unless fetch events are enabled and
// the producer connects; a broker outage must not stop the overlay.
func openFetchEvents(cfg config.Config, log *slog.Logger) (fetchevents.Sink, io.Closer) {
	noop := closerFunc(func() error { return nil })
	if !cfg.FetchEvents.Enabled {
		return fetchevents.Noop{}, noop
	}
	var brokers []string
	for b := range strings.SplitSeq(cfg.FetchEvents.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	prod, err := fetchevents.NewProducer(brokers)
	if err != nil {
		log.Warn("fetch events disabled", "err", err)
		return fetchevents.Noop{}, noop
	}
	pub := fetchevents.NewPublisher(prod, cfg.FetchEvents.Topic, cfg.FetchEvents.Queue, log.With("component", "fetchevents"))
	return pub, pub
}
