// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Bucket rounds the location to the 2-decimal grid used for cache keys.
func (l Location) Bucket() Location {
	return Location{Lat: round(l.Lat, 2), Lng: round(l.Lng, 2)}
}

func (l Location) String() string {
	return fmt.Sprintf("%.6f,%.6f", l.Lat, l.Lng)
}

func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180 &&
		!math.IsNaN(l.Lat) && !math.IsNaN(l.Lng)
}

type ReviewsCountMode string

const (
	ModeCurrent    ReviewsCountMode = "current"
	ModePrevious   ReviewsCountMode = "previous"
	ModeDifference ReviewsCountMode = "difference"
)

var AllModes = []ReviewsCountMode{ModeCurrent, ModePrevious, ModeDifference}

func ParseReviewsCountMode(s string) (ReviewsCountMode, error) {
	switch m := ReviewsCountMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeCurrent, ModePrevious, ModeDifference:
		return m, nil
	case "":
		return ModeCurrent, nil
	default:
		return "", fmt.Errorf("invalid reviews count mode %q (want current|previous|difference)", s)
	}
}

type DatasetVariant string

const (
	VariantDefault  DatasetVariant = "default"
	VariantInternal DatasetVariant = "internal"
)

func ParseDatasetVariant(s string) (DatasetVariant, error) {
	switch v := DatasetVariant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantDefault, VariantInternal:
		return v, nil
	default:
		return "", fmt.Errorf("invalid dataset variant %q (want default|internal)", s)
	}
}

type Metric string

const (
	MetricReview        Metric = "review"
	MetricAccuracy      Metric = "accuracy"
	MetricCheckin       Metric = "checkin"
	MetricCleanliness   Metric = "cleanliness"
	MetricCommunication Metric = "communication"
	MetricLocation      Metric = "location"
	MetricValue         Metric = "value"
)

func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.TrimSpace(s)); m {
	case MetricReview, MetricAccuracy, MetricCheckin, MetricCleanliness,
		MetricCommunication, MetricLocation, MetricValue:
		return m, nil
	case "":
		return MetricReview, nil
	default:
		return "", fmt.Errorf("unknown metric %q", s)
	}
}

// ListingID accepts both string and numeric ids from upstream.
type ListingID string

func (id *ListingID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = ListingID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("listing id must be string or number: %w", err)
	}
	*id = ListingID(n.String())
	return nil
}

type Listing struct {
	ID               ListingID `json:"id"`
	Longitude        float64   `json:"longitude"`
	Latitude         float64   `json:"latitude"`
	ListingName      string    `json:"listing_name"`
	AreaName         string    `json:"area_name"`
	RoomTypeCategory string    `json:"roomTypeCategory"`
	Rate             float64   `json:"rate"`
	Review           *float64  `json:"review"`
	Accuracy         *float64  `json:"accuracy"`
	Checkin          *float64  `json:"checkin"`
	Cleanliness      *float64  `json:"cleanliness"`
	Communication    *float64  `json:"communication"`
	Location         *float64  `json:"location"`
	Value            *float64  `json:"value"`
	ReviewsCount     *int      `json:"reviewsCount"`
	Bedroom          *int      `json:"bedroom"`
	URL              string    `json:"url,omitempty"`
	Height           *int      `json:"height,omitempty"`
}

// Rating returns the value of the selected metric, or nil when absent.
func (l Listing) Rating(m Metric) *float64 {
	switch m {
	case MetricAccuracy:
		return l.Accuracy
	case MetricCheckin:
		return l.Checkin
	case MetricCleanliness:
		return l.Cleanliness
	case MetricCommunication:
		return l.Communication
	case MetricLocation:
		return l.Location
	case MetricValue:
		return l.Value
	default:
		return l.Review
	}
}

// Compact returns a copy rounded for persistent storage: coordinates to
// 5 decimals, ratings to 1 decimal, missing counts and strings zeroed.
func (l Listing) Compact() Listing {
	out := l
	out.Longitude = round(l.Longitude, 5)
	out.Latitude = round(l.Latitude, 5)
	out.Review = roundPtr(l.Review)
	out.Accuracy = roundPtr(l.Accuracy)
	out.Checkin = roundPtr(l.Checkin)
	out.Cleanliness = roundPtr(l.Cleanliness)
	out.Communication = roundPtr(l.Communication)
	out.Location = roundPtr(l.Location)
	out.Value = roundPtr(l.Value)
	if out.ReviewsCount == nil {
		out.ReviewsCount = Int(0)
	}
	return out
}

func roundPtr(p *float64) *float64 {
	v := 0.0
	if p != nil {
		v = *p
	}
	return Float(round(v, 1))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func Float(v float64) *float64 { return &v }

func Int(v int) *int { return &v }

type Geometry struct {
	Type        string        `json:"type"`
	Coordinates [][][]float64 `json:"coordinates"`
}

// SquareAround builds a closed ring [lng±offset, lat±offset].
func SquareAround(lng, lat, offset float64) Geometry {
	return Geometry{
		Type: "Polygon",
		Coordinates: [][][]float64{{
			{lng - offset, lat - offset},
			{lng + offset, lat - offset},
			{lng + offset, lat + offset},
			{lng - offset, lat + offset},
			{lng - offset, lat - offset},
		}},
	}
}

type Properties struct {
	ID               ListingID `json:"id"`
	ListingName      string    `json:"listing_name"`
	AirbnbURL        string    `json:"airbnbUrl"`
	Height           int       `json:"height"`
	AreaName         string    `json:"area_name"`
	RoomTypeCategory string    `json:"roomTypeCategory"`
	Rate             float64   `json:"rate"`
	Review           *float64  `json:"review"`
	Accuracy         *float64  `json:"accuracy"`
	Checkin          *float64  `json:"checkin"`
	Cleanliness      *float64  `json:"cleanliness"`
	Communication    *float64  `json:"communication"`
	Location         *float64  `json:"location"`
	Value            *float64  `json:"value"`
	ReviewsCount     *int      `json:"reviewsCount"`
	Bedroom          *int      `json:"bedroom"`
}

// Metric mirrors Listing.Rating on the rendered properties.
func (p Properties) Metric(m Metric) *float64 {
	switch m {
	case MetricAccuracy:
		return p.Accuracy
	case MetricCheckin:
		return p.Checkin
	case MetricCleanliness:
		return p.Cleanliness
	case MetricCommunication:
		return p.Communication
	case MetricLocation:
		return p.Location
	case MetricValue:
		return p.Value
	default:
		return p.Review
	}
}

type Feature struct {
	Type       string     `json:"type"`
	Geometry   Geometry   `json:"geometry"`
	Properties Properties `json:"properties"`

	Centroid Location `json:"-"`
}

// NewFeature renders one listing as an extruded square footprint.
func NewFeature(l Listing, offset float64) Feature {
	height := 0
	if l.Height != nil {
		height = *l.Height
	} else if l.ReviewsCount != nil {
		height = *l.ReviewsCount
	}
	url := l.URL
	if url == "" {
		url = "https://www.airbnb.com/rooms/" + string(l.ID)
	}
	return Feature{
		Type:     "Feature",
		Geometry: SquareAround(l.Longitude, l.Latitude, offset),
		Properties: Properties{
			ID:               l.ID,
			ListingName:      l.ListingName,
			AirbnbURL:        url,
			Height:           height,
			AreaName:         l.AreaName,
			RoomTypeCategory: l.RoomTypeCategory,
			Rate:             l.Rate,
			Review:           l.Review,
			Accuracy:         l.Accuracy,
			Checkin:          l.Checkin,
			Cleanliness:      l.Cleanliness,
			Communication:    l.Communication,
			Location:         l.Location,
			Value:            l.Value,
			ReviewsCount:     l.ReviewsCount,
			Bedroom:          l.Bedroom,
		},
		Centroid: Location{Lat: l.Latitude, Lng: l.Longitude},
	}
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

func NewFeatureCollection(features []Feature) *FeatureCollection {
	if features == nil {
		features = []Feature{}
	}
	return &FeatureCollection{Type: "FeatureCollection", Features: features}
}

// SessionToken identifies one fetch attempt; stale tokens must not write.
type SessionToken struct {
	Generation uint64
	Variant    DatasetVariant
	Mode       ReviewsCountMode
	ID         string
}

func (t SessionToken) Equal(o SessionToken) bool {
	return t.Generation == o.Generation && t.Variant == o.Variant && t.Mode == o.Mode
}

func (t SessionToken) String() string {
	return t.Variant.String() + "/" + string(t.Mode) + "#" + strconv.FormatUint(t.Generation, 10)
}

func (v DatasetVariant) String() string { return string(v) }

// BBox is a lon/lat rectangle in EPSG:4326.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Valid() bool {
	return b.X1 >= -180 && b.X2 <= 180 && b.Y1 >= -90 && b.Y2 <= 90 && b.X2 > b.X1 && b.Y2 > b.Y1
}

func (b BBox) Center() Location {
	return Location{Lat: (b.Y1 + b.Y2) / 2, Lng: (b.X1 + b.X2) / 2}
}

func (b BBox) Corners() []Location {
	return []Location{
		{Lat: b.Y1, Lng: b.X1},
		{Lat: b.Y1, Lng: b.X2},
		{Lat: b.Y2, Lng: b.X2},
		{Lat: b.Y2, Lng: b.X1},
	}
}
