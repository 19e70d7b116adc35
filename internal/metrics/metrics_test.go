package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, p *Provider) (int, string) {
	t.Helper()
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rr.Code, rr.Body.String()
}

func TestProvider_ExposesBuildAndSettings(t *testing.T) {
	p := Init(Config{
		Enabled:  true,
		Build:    BuildInfo{Revision: "abc123"},
		Settings: Settings{PersistDriver: "redis", Pages: 6, PageSize: 5000, H3Res: 7},
	})

	code, body := scrape(t, p)
	if code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	for _, want := range []string{
		`overlay_build_info{build_date="",revision="abc123",version="dev"} 1`,
		`overlay_settings_info{h3_res="7",page_size="5000",pages="6",persist="redis"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestProvider_Disabled(t *testing.T) {
	p := Init(Config{})
	if code, _ := scrape(t, p); code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", code)
	}
	mfs, err := p.Gatherer().Gather()
	if err != nil || len(mfs) == 0 {
		t.Fatalf("gather: %d families, %v", len(mfs), err)
	}
}
