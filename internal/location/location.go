// Package location resolves client IPs to a coarse location used to
// geo-contextualize upstream browser sessions. Lookups are best-effort: any
// failure yields nil rather than blocking the flow.
package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultEndpoint = "https://geolite.info/geoip/v2.1/city"
	cacheSize       = 1024
)

// Data is the location payload attached to upstream requests.
type Data struct {
	IP         string `json:"ip"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// Map renders the data as the loose JSON object the upstream expects.
func (d *Data) Map() map[string]any {
	if d == nil {
		return nil
	}
	return map[string]any{
		"ip":          d.IP,
		"city":        d.City,
		"state":       d.State,
		"country":     d.Country,
		"postal_code": d.PostalCode,
	}
}

// Header renders the data as the JSON string carried in the x-location
// header, or "" when there is nothing to send.
func (d *Data) Header() string {
	if d == nil {
		return ""
	}
	encoded, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// Config configures the resolver.
type Config struct {
	// AccountID and LicenseKey authenticate against the GeoIP web service.
	// Leaving either empty disables lookups entirely.
	AccountID  string
	LicenseKey string

	// Endpoint overrides the city web-service URL, mainly for tests.
	Endpoint string

	Client *http.Client
}

// Resolver looks up client IPs against the GeoIP city web service, caching
// results per IP.
type Resolver struct {
	cfg    Config
	client *http.Client
	cache  *lru.Cache[string, *Data]
	logger *slog.Logger
}

// NewResolver builds a resolver. It returns an error only when the cache
// cannot be constructed.
func NewResolver(cfg Config, logger *slog.Logger) (*Resolver, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, *Data](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("build location cache: %w", err)
	}
	return &Resolver{cfg: cfg, client: client, cache: cache, logger: logger}, nil
}

// Enabled reports whether lookups are configured.
func (r *Resolver) Enabled() bool {
	return r.cfg.AccountID != "" && r.cfg.LicenseKey != ""
}

// Lookup resolves ip to a location, or nil when the IP is local, lookups are
// unconfigured, or the web service fails. Results, including misses, are
// cached so each IP hits the service once.
func (r *Resolver) Lookup(ctx context.Context, ip string) *Data {
	if !r.Enabled() || !lookupable(ip) {
		return nil
	}
	if cached, ok := r.cache.Get(ip); ok {
		return cached
	}

	data := r.fetch(ctx, ip)
	r.cache.Add(ip, data)
	return data
}

func (r *Resolver) fetch(ctx context.Context, ip string) *Data {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.Endpoint+"/"+ip, nil)
	if err != nil {
		return nil
	}
	req.SetBasicAuth(r.cfg.AccountID, r.cfg.LicenseKey)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("location lookup failed",
			slog.String("ip", ip), slog.String("error", err.Error()))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("location lookup rejected",
			slog.String("ip", ip), slog.Int("status", resp.StatusCode))
		return nil
	}

	var body struct {
		City struct {
			Names map[string]string `json:"names"`
		} `json:"city"`
		Subdivisions []struct {
			ISOCode string `json:"iso_code"`
		} `json:"subdivisions"`
		Country struct {
			ISOCode string `json:"iso_code"`
		} `json:"country"`
		Postal struct {
			Code string `json:"code"`
		} `json:"postal"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		r.logger.Warn("unparseable location response",
			slog.String("ip", ip), slog.String("error", err.Error()))
		return nil
	}

	data := &Data{
		IP:         ip,
		City:       body.City.Names["en"],
		Country:    body.Country.ISOCode,
		PostalCode: body.Postal.Code,
	}
	if len(body.Subdivisions) > 0 {
		data.State = body.Subdivisions[0].ISOCode
	}
	return data
}

// ClientIP extracts the original client address from a request, preferring
// the first X-Forwarded-For hop over the socket peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// lookupable filters out addresses the web service cannot resolve: empty,
// unparseable, loopback, and private-range IPs.
func lookupable(ip string) bool {
	if ip == "" {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() || parsed.IsLinkLocalUnicast() {
		return false
	}
	return true
}
