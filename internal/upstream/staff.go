package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
)

// Defaults applied to property-details rows, which carry no review data.
const (
	DetailsRating       = 5.0
	DetailsReviewsCount = 250
	DetailsHeight       = 250
)

type StaffGroup struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Properties []string `json:"properties"`
}

func (g *StaffGroup) UnmarshalJSON(b []byte) error {
	var aux struct {
		ID         model.ListingID   `json:"id"`
		Name       string            `json:"name"`
		Properties []model.ListingID `json:"properties"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	g.ID = string(aux.ID)
	g.Name = aux.Name
	g.Properties = make([]string, 0, len(aux.Properties))
	for _, p := range aux.Properties {
		g.Properties = append(g.Properties, string(p))
	}
	return nil
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    []T  `json:"data"`
}

// StaffGroups lists the housekeeper groups visible to the configured user.
func (c *Client) StaffGroups(ctx context.Context) ([]StaffGroup, error) {
	var env envelope[StaffGroup]
	if err := c.do(ctx, http.MethodGet, "/housekeeper-group-listing", url.Values{}, true, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("housekeeper-group-listing: unsuccessful response")
	}
	return env.Data, nil
}

// PropertyDetails resolves property codes into listings. Rows without
// coordinates are dropped.
func (c *Client) PropertyDetails(ctx context.Context, codes []string) ([]model.Listing, error) {
	clean := make([]string, 0, len(codes))
	for _, code := range codes {
		if code = strings.TrimSpace(code); code != "" {
			clean = append(clean, code)
		}
	}
	if len(clean) == 0 {
		return []model.Listing{}, nil
	}
	q := url.Values{}
	q.Set("id", strings.Join(clean, ","))

	var env envelope[property]
	if err := c.do(ctx, http.MethodGet, "/property-details", q, true, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("property-details: unsuccessful response")
	}
	out := make([]model.Listing, 0, len(env.Data))
	for _, p := range env.Data {
		if l, ok := p.listing(); ok {
			out = append(out, l)
		}
	}
	return out, nil
}

type property struct {
	ID               model.ListingID `json:"id"`
	PropertyID       model.ListingID `json:"property_id"`
	PropertyCode     model.ListingID `json:"property_code"`
	Lat              *flexFloat      `json:"lat"`
	Lng              *flexFloat      `json:"lng"`
	PropertyName     string          `json:"property_name"`
	AirbnbURL        string          `json:"airbnb_url"`
	ListingURL       string          `json:"listing_url"`
	Area             string          `json:"area"`
	City             string          `json:"city"`
	AreaName         string          `json:"area_name"`
	PropertyType     string          `json:"property_type"`
	RoomTypeCategory string          `json:"roomTypeCategory"`
	Rate             *flexFloat      `json:"rate"`
	BedroomCount     *flexFloat      `json:"bedroom_count"`
	Bedrooms         *flexFloat      `json:"bedrooms"`
	Bedroom          *flexFloat      `json:"bedroom"`
}

func (p property) listing() (model.Listing, bool) {
	if p.Lat == nil || p.Lng == nil {
		return model.Listing{}, false
	}
	rating := func() *float64 { return model.Float(DetailsRating) }
	l := model.Listing{
		ID:               model.ListingID(firstNonEmpty(string(p.ID), string(p.PropertyID), string(p.PropertyCode))),
		Latitude:         float64(*p.Lat),
		Longitude:        float64(*p.Lng),
		ListingName:      firstNonEmpty(p.PropertyName, "Unknown Property"),
		AreaName:         firstNonEmpty(p.Area, p.City, p.AreaName, "Unknown Area"),
		RoomTypeCategory: firstNonEmpty(p.PropertyType, p.RoomTypeCategory, "Property"),
		Review:           rating(),
		Accuracy:         rating(),
		Checkin:          rating(),
		Cleanliness:      rating(),
		Communication:    rating(),
		Location:         rating(),
		Value:            rating(),
		ReviewsCount:     model.Int(DetailsReviewsCount),
		Bedroom:          model.Int(int(firstNonZero(p.BedroomCount, p.Bedrooms, p.Bedroom))),
		URL:              firstNonEmpty(p.AirbnbURL, p.ListingURL, "#"),
		Height:           model.Int(DetailsHeight),
	}
	if p.Rate != nil {
		l.Rate = float64(*p.Rate)
	}
	return l, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(vals ...*flexFloat) float64 {
	for _, v := range vals {
		if v != nil && *v != 0 {
			return float64(*v)
		}
	}
	return 0
}

// flexFloat decodes a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s = strings.TrimSpace(s); s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("numeric string %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
