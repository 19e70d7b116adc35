// Package keys builds the cache keys shared by the page cache, the staff
// group cache and the invalidation runner.
package keys

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
)

const (
	// PersistPrefix is reserved for the page cache in the persistent store.
	PersistPrefix   = "airbnb_data_"
	TimestampSuffix = "_timestamp"
)

// Page returns "<lat>_<lng>_<page>_<mode>" with coordinates on the 2-decimal
// bucket grid, e.g. "1.00_2.00_0_current".
func Page(loc model.Location, page int, mode model.ReviewsCountMode) string {
	if mode == "" {
		mode = model.ModeCurrent
	}
	b := loc.Bucket()
	return fmt.Sprintf("%.2f_%.2f_%d_%s", b.Lat, b.Lng, page, mode)
}

// PagesForBucket lists every page key for loc across pages and modes.
func PagesForBucket(loc model.Location, pages int, modes []model.ReviewsCountMode) []string {
	out := make([]string, 0, pages*len(modes))
	for _, m := range modes {
		for p := range pages {
			out = append(out, Page(loc, p, m))
		}
	}
	return out
}

// BucketOf extracts the "<lat>_<lng>" bucket prefix from a page key.
func BucketOf(pageKey string) string {
	parts := strings.SplitN(pageKey, "_", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "_" + parts[1]
}

func Data(key string) string { return PersistPrefix + key }

func Timestamp(key string) string { return PersistPrefix + key + TimestampSuffix }

// FromPersisted maps a persistent-store key back to the page key. ok is false
// for foreign keys and for timestamp siblings.
func FromPersisted(k string) (string, bool) {
	if !strings.HasPrefix(k, PersistPrefix) || strings.HasSuffix(k, TimestampSuffix) {
		return "", false
	}
	return strings.TrimPrefix(k, PersistPrefix), true
}

// Group hashes a staff group's property code list; order and whitespace do
// not matter.
func Group(groupID string, codes []string) string {
	norm := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			norm = append(norm, c)
		}
	}
	sort.Strings(norm)
	sum := xxhash.Sum64String(strings.Join(norm, ","))
	return fmt.Sprintf("group:%s:n=%d:f=%016x", strings.TrimSpace(groupID), len(norm), sum)
}
