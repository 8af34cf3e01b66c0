package location

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func geoHandler(hits *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if user, pass, ok := r.BasicAuth(); !ok || user != "acct" || pass != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"city":         map[string]any{"names": map[string]string{"en": "Portland"}},
			"subdivisions": []map[string]any{{"iso_code": "OR"}},
			"country":      map[string]any{"iso_code": "US"},
			"postal":       map[string]any{"code": "97201"},
		})
	}
}

func newTestResolver(t *testing.T, endpoint string) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{
		AccountID:  "acct",
		LicenseKey: "key",
		Endpoint:   endpoint,
	}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestLookupResolvesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(geoHandler(&hits))
	defer srv.Close()
	r := newTestResolver(t, srv.URL)

	data := r.Lookup(context.Background(), "8.8.8.8")
	if data == nil {
		t.Fatal("expected data")
	}
	if data.City != "Portland" || data.State != "OR" || data.Country != "US" || data.PostalCode != "97201" {
		t.Errorf("data = %+v", data)
	}

	r.Lookup(context.Background(), "8.8.8.8")
	if hits.Load() != 1 {
		t.Errorf("service hits = %d, want 1 (second lookup cached)", hits.Load())
	}
}

func TestLookupSkipsLocalAndInvalidIPs(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(geoHandler(&hits))
	defer srv.Close()
	r := newTestResolver(t, srv.URL)

	for _, ip := range []string{"", "127.0.0.1", "10.0.0.5", "192.168.1.2", "::1", "not-an-ip", "0.0.0.0"} {
		if data := r.Lookup(context.Background(), ip); data != nil {
			t.Errorf("Lookup(%q) = %+v, want nil", ip, data)
		}
	}
	if hits.Load() != 0 {
		t.Errorf("service hits = %d, want 0", hits.Load())
	}
}

func TestLookupSoftFailsOnServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	r := newTestResolver(t, srv.URL)

	if data := r.Lookup(context.Background(), "8.8.8.8"); data != nil {
		t.Errorf("Lookup = %+v, want nil on service error", data)
	}
}

func TestLookupDisabledWithoutCredentials(t *testing.T) {
	r, err := NewResolver(Config{}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if r.Enabled() {
		t.Error("resolver without credentials must report disabled")
	}
	if data := r.Lookup(context.Background(), "8.8.8.8"); data != nil {
		t.Errorf("Lookup = %+v, want nil when disabled", data)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		fwd    string
		remote string
		want   string
	}{
		{"first forwarded hop", "203.0.113.7, 10.0.0.1", "10.0.0.2:443", "203.0.113.7"},
		{"single forwarded", "203.0.113.7", "10.0.0.2:443", "203.0.113.7"},
		{"no forwarded header", "", "203.0.113.9:52110", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDataHeader(t *testing.T) {
	var nilData *Data
	if got := nilData.Header(); got != "" {
		t.Errorf("nil header = %q, want empty", got)
	}
	d := &Data{IP: "8.8.8.8", City: "Portland"}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(d.Header()), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["city"] != "Portland" {
		t.Errorf("header = %v", decoded)
	}
}
