package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewOutbound_Defaults(t *testing.T) {
	c := NewOutbound(Options{})
	if c.Timeout != defaultTimeout {
		t.Fatalf("timeout = %v, want %v", c.Timeout, defaultTimeout)
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport is %T", c.Transport)
	}
	if tr.MaxConnsPerHost != defaultMaxConnsPerHost {
		t.Fatalf("MaxConnsPerHost = %d", tr.MaxConnsPerHost)
	}
}

func TestNewOutbound_TimeoutApplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewOutbound(Options{Timeout: 50 * time.Millisecond, MaxConnsPerHost: 2})
	resp, err := c.Get(srv.URL)
	if err == nil {
		_ = resp.Body.Close()
		t.Fatalf("expected timeout error")
	}
}
