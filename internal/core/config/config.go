package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type InvalidationCfg struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	Topic   string `yaml:"topic"`
	Brokers string `yaml:"brokers"`
	GroupID string `yaml:"group_id"`
}

type FetchEventsCfg struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"`
	Brokers string `yaml:"brokers"`
	Queue   int    `yaml:"queue"`
}

type Config struct {
	Addr     string
	LogLevel string

	APIBaseURL    string
	APIToken      string
	APIUserID     string
	UpstreamRPS   float64
	UpstreamBurst int

	// UpstreamTimeout bounds one listing API call including the body read.
	UpstreamTimeout time.Duration

	PageTTL            time.Duration
	HardTTL            time.Duration
	PersistDriver      string
	PersistMaxEntries  int
	PersistKeepEntries int
	PersistQuotaBytes  int
	RedisAddr          string
	SQLitePath         string
	SweepInterval      time.Duration

	Pages          int
	PageSize       int
	BatchSize      int
	Debounce       time.Duration
	MinFetchZoom   float64
	SnapshotMaxAge time.Duration
	GroupCacheSize int
	PolygonOffset  float64
	ViewportH3Res  int

	Invalidation InvalidationCfg
	FetchEvents  FetchEventsCfg
}

// FromEnv loads an optional .env file, then reads the process environment.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Addr:     getenv("ADDR", ":8090"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		APIBaseURL:    strings.TrimRight(getenv("API_BASE_URL", "http://127.0.0.1:8000"), "/"),
		APIToken:      getenv("API_TOKEN", ""),
		APIUserID:     getenv("API_USER_ID", ""),
		UpstreamRPS:   getfloat("UPSTREAM_RPS", 20),
		UpstreamBurst: getint("UPSTREAM_BURST", 6),

		UpstreamTimeout: getduration("UPSTREAM_TIMEOUT", 60*time.Second),

		PageTTL:            getduration("PAGE_TTL", time.Hour),
		HardTTL:            getduration("HARD_TTL", 24*time.Hour),
		PersistDriver:      strings.ToLower(getenv("PERSIST_DRIVER", "memory")),
		PersistMaxEntries:  getint("PERSIST_MAX_ENTRIES", 10),
		PersistKeepEntries: getint("PERSIST_KEEP_ENTRIES", 5),
		PersistQuotaBytes:  getint("PERSIST_QUOTA_BYTES", 5<<20),
		RedisAddr:          getenv("REDIS_ADDR", "localhost:6379"),
		SQLitePath:         getenv("SQLITE_PATH", "overlay-cache.db"),
		SweepInterval:      getduration("CACHE_SWEEP_INTERVAL", 10*time.Minute),

		Pages:          getint("PAGES", 6),
		PageSize:       getint("PAGE_SIZE", 5000),
		BatchSize:      getint("BATCH_SIZE", 500),
		Debounce:       getduration("DEBOUNCE", 300*time.Millisecond),
		MinFetchZoom:   getfloat("MIN_FETCH_ZOOM", 10),
		SnapshotMaxAge: getduration("SNAPSHOT_MAX_AGE", 5*time.Minute),
		GroupCacheSize: getint("GROUP_CACHE_SIZE", 20),
		PolygonOffset:  getfloat("POLYGON_OFFSET", 0.0003),
		ViewportH3Res:  getint("VIEWPORT_H3_RES", 7),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "none"),
			Topic:   getenv("KAFKA_TOPIC", "listing-invalidation"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "overlay-invalidator"),
		},
		FetchEvents: FetchEventsCfg{
			Enabled: getbool("FETCH_EVENTS_ENABLED", false),
			Topic:   getenv("FETCH_EVENTS_TOPIC", "overlay-fetch-events"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Queue:   getint("FETCH_EVENTS_QUEUE", 1024),
		},
	}
}

type fileOverlay struct {
	Invalidation *InvalidationCfg `yaml:"invalidation"`
	FetchEvents  *FetchEventsCfg  `yaml:"fetch_events"`
}

// ApplyFile overlays the kafka blocks from a YAML file onto cfg.
func ApplyFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var ov fileOverlay
	if err := yaml.Unmarshal(b, &ov); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if ov.Invalidation != nil {
		cfg.Invalidation = *ov.Invalidation
	}
	if ov.FetchEvents != nil {
		cfg.FetchEvents = *ov.FetchEvents
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
