package gather

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"gatherbridge/internal/domain"
	"gatherbridge/internal/protocol"
)

// AuthClient posts login-step submissions to the upstream auth endpoint and
// decodes the next turn. It implements the flow package's Submitter.
type AuthClient struct {
	baseURL string
	client  *http.Client

	// location, when set, resolves the caller's IP to a location payload
	// injected into each submission.
	location func(ctx context.Context, ip string) map[string]any
}

// NewAuthClient builds an auth submit client for the upstream at baseURL.
// locate may be nil when location enrichment is disabled.
func NewAuthClient(baseURL string, client *http.Client, locate func(ctx context.Context, ip string) map[string]any) *AuthClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &AuthClient{baseURL: baseURL, client: client, location: locate}
}

// Submit posts one turn of the login exchange for a provider and returns the
// upstream's answer.
func (c *AuthClient) Submit(ctx context.Context, providerID, clientIP string, sub protocol.Submission) (*protocol.Turn, error) {
	if c.location != nil && clientIP != "" && sub.Location == nil {
		sub.Location = c.location(ctx, clientIP)
	}

	body, err := json.Marshal(sub)
	if err != nil {
		return nil, domain.ErrProtocol("encode auth submission", err)
	}

	target := c.baseURL + "/api/auth/" + url.PathEscape(providerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrTransport("build auth request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.ErrTransport("auth request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.ErrTransport(
			fmt.Sprintf("auth endpoint returned status %d", resp.StatusCode), nil)
	}

	var turn protocol.Turn
	if err := json.NewDecoder(resp.Body).Decode(&turn); err != nil {
		return nil, domain.ErrProtocol("unparseable auth response", err)
	}
	return &turn, nil
}
