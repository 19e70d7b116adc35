// Package router exposes the overlay controller over HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/listing-overlay/internal/controller"
	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/dataset"
	"github.com/mohammed-shakir/listing-overlay/internal/filter"
	"github.com/mohammed-shakir/listing-overlay/internal/upstream"
)

const maxBody = 64 << 10

// Overlay is the part of *controller.Controller the API drives.
type Overlay interface {
	State() controller.State
	Predicates() filter.Predicates
	OnViewportMove(loc model.Location, zoom float64) error
	SwitchReviewsCountMode(ctx context.Context, mode model.ReviewsCountMode) error
	SwitchDatasetVariant(ctx context.Context, v model.DatasetVariant) error
	SetFilters(p filter.Predicates) error
	SetOffset(offset float64) error
	StaffGroups(ctx context.Context) ([]upstream.StaffGroup, error)
	SelectStaffGroup(ctx context.Context, id string) error
}

// Renderer yields the collection last handed to the map layer.
type Renderer interface {
	Current() (*model.FeatureCollection, uint64)
}

type api struct {
	log  *slog.Logger
	ov   Overlay
	rend Renderer
}

// Mount registers the overlay routes on r.
func Mount(r chi.Router, logger *slog.Logger, ov Overlay, rend Renderer) {
	a := &api{log: logger, ov: ov, rend: rend}
	r.Get("/overlay", a.overlay)
	r.Get("/state", a.state)
	r.Post("/viewport", a.viewport)
	r.Put("/mode/reviews", a.reviewsMode)
	r.Put("/mode/variant", a.variant)
	r.Put("/filters", a.filters)
	r.Put("/offset", a.offset)
	r.Get("/staff-groups", a.staffGroups)
	r.Put("/staff-groups/{id}", a.selectGroup)
}

func (a *api) overlay(w http.ResponseWriter, r *http.Request) {
	fc, version := a.rend.Current()
	etag := `"` + strconv.FormatUint(version, 10) + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, "application/geo+json", fc)
}

func (a *api) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, "", a.ov.State())
}

type viewportBody struct {
	Lat  *float64 `json:"lat"`
	Lng  *float64 `json:"lng"`
	Zoom float64  `json:"zoom"`
}

// viewport accepts either a JSON body {lat,lng,zoom} or the query form
// ?bbox=x1,y1,x2,y2[,EPSG:4326]&zoom=z, which is reduced to its centre.
func (a *api) viewport(w http.ResponseWriter, r *http.Request) {
	loc, zoom, err := ParseViewport(w, r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := a.ov.OnViewportMove(loc, zoom); err != nil {
		badRequest(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func ParseViewport(w http.ResponseWriter, r *http.Request) (model.Location, float64, error) {
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("bbox")); raw != "" {
		bb, err := parseBBOX(raw)
		if err != nil {
			return model.Location{}, 0, fmt.Errorf("invalid bbox: %w", err)
		}
		zoom, err := parseFloat(q.Get("zoom"))
		if err != nil {
			return model.Location{}, 0, fmt.Errorf("invalid zoom: %w", err)
		}
		return bb.Center(), zoom, nil
	}

	var body viewportBody
	if err := decode(w, r, &body); err != nil {
		return model.Location{}, 0, err
	}
	if body.Lat == nil || body.Lng == nil {
		return model.Location{}, 0, errors.New("lat and lng are required")
	}
	loc := model.Location{Lat: *body.Lat, Lng: *body.Lng}
	if !loc.Valid() {
		return model.Location{}, 0, fmt.Errorf("location %s out of range", loc)
	}
	return loc, body.Zoom, nil
}

func parseBBOX(raw string) (model.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return model.BBox{}, errors.New("expected x1,y1,x2,y2 with optional EPSG:4326")
	}
	if len(parts) == 5 {
		if srid := strings.ToUpper(strings.TrimSpace(parts[4])); srid != "EPSG:4326" {
			return model.BBox{}, fmt.Errorf("only EPSG:4326 is supported (got %q)", srid)
		}
	}
	var v [4]float64
	for i, name := range []string{"x1", "y1", "x2", "y2"} {
		f, err := parseFloat(parts[i])
		if err != nil {
			return model.BBox{}, fmt.Errorf("%s: %w", name, err)
		}
		v[i] = f
	}
	bb := model.BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	if !bb.Valid() {
		return model.BBox{}, errors.New("coordinates must lie in EPSG:4326 bounds and satisfy x2>x1, y2>y1")
	}
	return bb, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return f, nil
}

func (a *api) reviewsMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := decode(w, r, &body); err != nil {
		badRequest(w, err)
		return
	}
	mode, err := model.ParseReviewsCountMode(body.Mode)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := a.ov.SwitchReviewsCountMode(r.Context(), mode); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "", a.ov.State())
}

func (a *api) variant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Variant string `json:"variant"`
	}
	if err := decode(w, r, &body); err != nil {
		badRequest(w, err)
		return
	}
	v, err := model.ParseDatasetVariant(body.Variant)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := a.ov.SwitchDatasetVariant(r.Context(), v); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "", a.ov.State())
}

// filtersBody is a partial update; absent fields keep their current value.
type filtersBody struct {
	Metric    *string  `json:"metric"`
	MinRating *float64 `json:"minRating"`
	MaxRating *float64 `json:"maxRating"`
	Bedroom   *string  `json:"bedroom"`
	MinCount  *int     `json:"minCount"`
	MaxCount  *int     `json:"maxCount"`
}

func (b filtersBody) apply(p filter.Predicates) (filter.Predicates, error) {
	if b.Metric != nil {
		m, err := model.ParseMetric(*b.Metric)
		if err != nil {
			return p, err
		}
		p.Metric = m
	}
	if b.MinRating != nil {
		p.MinRating = *b.MinRating
	}
	if b.MaxRating != nil {
		p.MaxRating = *b.MaxRating
	}
	if b.Bedroom != nil {
		bed, err := filter.ParseBedroom(*b.Bedroom)
		if err != nil {
			return p, err
		}
		p.Bedroom = bed
	}
	if b.MinCount != nil {
		p.MinCount = *b.MinCount
	}
	if b.MaxCount != nil {
		p.MaxCount = *b.MaxCount
	}
	return p, p.Validate()
}

func (a *api) filters(w http.ResponseWriter, r *http.Request) {
	var body filtersBody
	if err := decode(w, r, &body); err != nil {
		badRequest(w, err)
		return
	}
	next, err := body.apply(a.ov.Predicates())
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := a.ov.SetFilters(next); err != nil {
		badRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "", a.ov.State())
}

func (a *api) offset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Offset *float64 `json:"offset"`
	}
	if err := decode(w, r, &body); err != nil {
		badRequest(w, err)
		return
	}
	if body.Offset == nil {
		badRequest(w, errors.New("offset is required"))
		return
	}
	if err := a.ov.SetOffset(*body.Offset); err != nil {
		badRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "", a.ov.State())
}

func (a *api) staffGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.ov.StaffGroups(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "", groups)
}

func (a *api) selectGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.ov.SelectStaffGroup(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "", a.ov.State())
}

// fail maps controller errors onto status codes; anything unrecognised is
// treated as an upstream failure.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, controller.ErrUnknownGroup):
		code = http.StatusNotFound
	case errors.Is(err, controller.ErrNotInternal), errors.Is(err, controller.ErrNotDefaultVariant),
		errors.Is(err, dataset.ErrSuperseded):
		code = http.StatusConflict
	case errors.Is(err, context.Canceled):
		code = 499
	}
	if code >= http.StatusInternalServerError {
		a.log.WarnContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	}
	http.Error(w, err.Error(), code)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, code int, contentType string, v any) {
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
