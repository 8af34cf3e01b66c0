package gather

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"gatherbridge/internal/domain"
)

// LinkClient drives the upstream's hosted sign-in link REST endpoints.
type LinkClient struct {
	baseURL string
	client  *http.Client
}

// NewLinkClient builds a client for the upstream at baseURL.
func NewLinkClient(baseURL string, client *http.Client) *LinkClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &LinkClient{baseURL: baseURL, client: client}
}

// Link describes one hosted sign-in link.
type Link struct {
	LinkID        string `json:"link_id"`
	HostedLinkURL string `json:"hosted_link_url,omitempty"`
	Status        string `json:"status,omitempty"`
}

// Create requests a new hosted sign-in link.
func (c *LinkClient) Create(ctx context.Context, body map[string]any) (*Link, error) {
	return c.do(ctx, http.MethodPost, c.baseURL+"/api/link/create", body)
}

// Status fetches the current state of a hosted sign-in link.
func (c *LinkClient) Status(ctx context.Context, linkID string) (*Link, error) {
	return c.do(ctx, http.MethodGet, c.baseURL+"/api/link/status/"+url.PathEscape(linkID), nil)
}

func (c *LinkClient) do(ctx context.Context, method, target string, body map[string]any) (*Link, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, domain.ErrProtocol("encode link request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, domain.ErrTransport("build link request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.ErrTransport("link request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.ErrTransport(
			fmt.Sprintf("link endpoint returned status %d", resp.StatusCode), nil)
	}

	var link Link
	if err := json.NewDecoder(resp.Body).Decode(&link); err != nil {
		return nil, domain.ErrProtocol("unparseable link response", err)
	}
	return &link, nil
}

// RewriteLinkURL moves an upstream-hosted URL onto the app's own origin so
// the user's browser stays on the app host. The path and query survive; a
// URL that does not parse is passed through untouched.
func RewriteLinkURL(raw, appOrigin string) string {
	if raw == "" || appOrigin == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	origin, err := url.Parse(appOrigin)
	if err != nil {
		return raw
	}
	parsed.Scheme = origin.Scheme
	parsed.Host = origin.Host
	return parsed.String()
}
