// Package metrics owns the Prometheus registry the service exposes.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Version   string
	Revision  string
	BuildDate string
}

// Settings are exported once as labels on overlay_settings_info so
// dashboards can tell how an instance was tuned.
type Settings struct {
	PersistDriver string
	Pages         int
	PageSize      int
	H3Res         int
}

type Config struct {
	// Enabled=false keeps the registry (collectors still register) but the
	// handler answers 404.
	Enabled  bool
	Build    BuildInfo
	Settings Settings
}

type Provider struct {
	reg     *prometheus.Registry
	enabled bool
}

func Init(cfg Config) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b := cfg.Build
	if b.Version == "" {
		b.Version = "dev"
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "overlay_build_info",
		Help: "Always 1; labelled with the build that is running.",
		ConstLabels: prometheus.Labels{
			"version":    b.Version,
			"revision":   b.Revision,
			"build_date": b.BuildDate,
		},
	}, func() float64 { return 1 }))

	s := cfg.Settings
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "overlay_settings_info",
		Help: "Always 1; labelled with the paging and cache settings.",
		ConstLabels: prometheus.Labels{
			"persist":   s.PersistDriver,
			"pages":     strconv.Itoa(s.Pages),
			"page_size": strconv.Itoa(s.PageSize),
			"h3_res":    strconv.Itoa(s.H3Res),
		},
	}, func() float64 { return 1 }))

	return &Provider{reg: reg, enabled: cfg.Enabled}
}

func (p *Provider) Handler() http.Handler {
	if !p.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

func (p *Provider) Gatherer() prometheus.Gatherer { return p.reg }
