package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

type Config struct {
	BaseURL        string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	Centres        int
	Zoom           float64
	PollEvery      int
	Output         string
	RequestTimeout time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "target", "http://localhost:8090", "Overlay base URL")
	flag.IntVar(&cfg.Concurrency, "concurrency", 4, "Concurrent panning clients")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.Centres, "centres", 64, "Distinct viewport centres in pool")
	flag.Float64Var(&cfg.Zoom, "zoom", 12, "Zoom sent with every move")
	flag.IntVar(&cfg.PollEvery, "poll-every", 3, "Poll /overlay after every n moves")
	flag.StringVar(&cfg.Output, "out", "results/loadgen_summary.json", "Summary JSON path")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.Parse()
	if cfg.ZipfS <= 1 || cfg.ZipfV < 1 {
		log.Fatalf("zipf-s must be > 1 and zipf-v >= 1")
	}
	if cfg.Concurrency < 1 || cfg.Centres < 2 {
		log.Fatalf("concurrency must be >= 1 and centres >= 2")
	}
	return cfg
}

type centre struct{ Lat, Lng float64 }

// makeCentres mixes "hot" centres around a few cities with cold ones spread
// over western Europe; Zipf then makes the first entries dominate.
func makeCentres(count int, r *rand.Rand) []centre {
	cities := []centre{
		{52.3676, 4.9041},  // Amsterdam
		{41.3874, 2.1686},  // Barcelona
		{38.7223, -9.1393}, // Lisbon
		{48.8566, 2.3522},  // Paris
	}
	out := make([]centre, 0, count)
	hot := max(8, count/4)
	for i := range hot {
		c := cities[i%len(cities)]
		out = append(out, centre{c.Lat + (r.Float64()-0.5)*0.08, c.Lng + (r.Float64()-0.5)*0.08})
	}
	for len(out) < count {
		out = append(out, centre{36 + r.Float64()*20, -9 + r.Float64()*24})
	}
	return out
}

type sample struct {
	op      string
	latency time.Duration
	status  int
	bytes   int64
	err     bool
}

type opSummary struct {
	Total    int64   `json:"total"`
	Errors   int64   `json:"errors"`
	NotMod   int64   `json:"not_modified,omitempty"`
	P50Ms    float64 `json:"p50_ms"`
	P95Ms    float64 `json:"p95_ms"`
	P99Ms    float64 `json:"p99_ms"`
	BytesStr string  `json:"bytes,omitempty"`
}

type summary struct {
	StartTime   time.Time            `json:"start"`
	DurationSec float64              `json:"duration_sec"`
	Concurrency int                  `json:"concurrency"`
	Centres     int                  `json:"centres"`
	Target      string               `json:"target"`
	Ops         map[string]opSummary `json:"ops"`
}

func main() {
	cfg := loadConfig()
	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	seed := time.Now().UnixNano()
	centres := makeCentres(cfg.Centres, rand.New(rand.NewSource(seed)))
	base := strings.TrimRight(cfg.BaseURL, "/")
	client := &http.Client{Timeout: cfg.RequestTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	samples := make(chan sample, 4096)
	done := make(chan map[string][]sample, 1)
	go func() {
		by := map[string][]sample{}
		for s := range samples {
			by[s.op] = append(by[s.op], s)
		}
		done <- by
	}()

	start := time.Now()
	log.Printf("loadgen start target=%s dur=%s conc=%d centres=%d", base, cfg.Duration, cfg.Concurrency, cfg.Centres)

	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(len(centres)-1))
			etag := ""
			for n := 0; ctx.Err() == nil; n++ {
				c := centres[zipf.Uint64()]
				body, _ := json.Marshal(map[string]float64{"lat": c.Lat, "lng": c.Lng, "zoom": cfg.Zoom})
				emit(ctx, samples, do(ctx, client, "viewport", http.MethodPost, base+"/viewport", body, "").sample)
				if cfg.PollEvery > 0 && n%cfg.PollEvery == 0 {
					s := do(ctx, client, "overlay", http.MethodGet, base+"/overlay", nil, etag)
					if s.status == http.StatusOK {
						etag = s.etag
					}
					emit(ctx, samples, s.sample)
				}
			}
		}()
	}
	wg.Wait()
	close(samples)
	by := <-done

	out := summary{
		StartTime:   start.UTC(),
		DurationSec: time.Since(start).Seconds(),
		Concurrency: cfg.Concurrency,
		Centres:     cfg.Centres,
		Target:      base,
		Ops:         map[string]opSummary{},
	}
	for op, ss := range by {
		out.Ops[op] = summarise(ss)
		s := out.Ops[op]
		log.Printf("%s: total=%d err=%d 304=%d p50=%.1fms p95=%.1fms p99=%.1fms bytes=%s",
			op, s.Total, s.Errors, s.NotMod, s.P50Ms, s.P95Ms, s.P99Ms, s.BytesStr)
	}

	f, err := os.Create(filepath.Clean(cfg.Output))
	if err != nil {
		log.Fatalf("create summary: %v", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	_ = f.Close()
	log.Printf("wrote %s", cfg.Output)
}

type result struct {
	sample
	etag string
}

func do(ctx context.Context, c *http.Client, op, method, url string, body []byte, etag string) result {
	res := result{sample: sample{op: op}}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		res.err = true
		return res
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	start := time.Now()
	resp, err := c.Do(req)
	if err != nil {
		res.latency, res.err = time.Since(start), ctx.Err() == nil
		return res
	}
	n, _ := io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	res.latency = time.Since(start)
	res.status, res.bytes = resp.StatusCode, n
	res.etag = resp.Header.Get("ETag")
	res.err = resp.StatusCode >= 400
	return res
}

func emit(ctx context.Context, ch chan<- sample, s sample) {
	if s.status == 0 && !s.err {
		return
	}
	select {
	case ch <- s:
	case <-ctx.Done():
	}
}

func summarise(ss []sample) opSummary {
	var out opSummary
	var bytesTotal uint64
	lat := make([]float64, 0, len(ss))
	for _, s := range ss {
		out.Total++
		if s.err {
			out.Errors++
			continue
		}
		if s.status == http.StatusNotModified {
			out.NotMod++
		}
		bytesTotal += uint64(max(s.bytes, 0))
		lat = append(lat, float64(s.latency.Microseconds())/1000.0)
	}
	sort.Float64s(lat)
	out.P50Ms, out.P95Ms, out.P99Ms = percentile(lat, 50), percentile(lat, 95), percentile(lat, 99)
	if bytesTotal > 0 {
		out.BytesStr = humanize.Bytes(bytesTotal)
	}
	return out
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	i := int(math.Floor(k))
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - float64(i)
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
