package gather

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gatherbridge/internal/domain"
	"gatherbridge/internal/provider"
)

const (
	toolPollSignin = "poll_signin"

	defaultPollInterval    = 2 * time.Second
	defaultPollMaxAttempts = 150
	defaultPollTimeout     = 5 * time.Minute
)

// LoginChallenge is returned instead of data when the upstream needs the user
// to complete an interactive sign-in first.
type LoginChallenge struct {
	URL    string `json:"url"`
	LinkID string `json:"link_id,omitempty"`
}

// Result is the outcome of a data-retrieval run: either a merged raw payload
// or a login challenge, never both.
type Result struct {
	Data  map[string]any
	Login *LoginChallenge
}

// ServiceConfig tunes the tool client.
type ServiceConfig struct {
	ToolTimeout     time.Duration
	PollTimeout     time.Duration
	PollInterval    time.Duration
	PollMaxAttempts int
}

// Service runs provider tool chains against the upstream through a shared
// connection store.
type Service struct {
	store    *Store
	registry *provider.Registry
	cfg      ServiceConfig
	logger   *slog.Logger

	ipMu sync.RWMutex
	ips  map[string]string
}

// NewService wires a tool client over store and registry.
func NewService(store *Store, registry *provider.Registry, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = defaultPollMaxAttempts
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return &Service{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		ips:      make(map[string]string),
	}
}

// SetClientIP records the caller's IP for a session so the upstream dial can
// attach location context.
func (s *Service) SetClientIP(sessionID, ip string) {
	if ip == "" {
		return
	}
	s.ipMu.Lock()
	s.ips[sessionID] = ip
	s.ipMu.Unlock()
}

// ClientIP returns the recorded IP for a session, if any.
func (s *Service) ClientIP(sessionID string) string {
	s.ipMu.RLock()
	defer s.ipMu.RUnlock()
	return s.ips[sessionID]
}

// RetrieveData runs the provider's tool chain for one browser session and
// returns the merged raw payload, or a login challenge if the upstream wants
// the user to sign in first.
//
// Tool invocations for one (session, provider) are serialized in call order:
// later steps depend on upstream browser state left by earlier ones.
func (s *Service) RetrieveData(ctx context.Context, providerID, sessionID string) (*Result, error) {
	cfg, err := s.registry.Lookup(providerID)
	if err != nil {
		return nil, err
	}
	key := connKey{SessionID: sessionID, ProviderID: providerID}

	seq := s.store.sequence(key)
	seq.Lock()
	defer seq.Unlock()

	merged := map[string]any{}
	for _, step := range cfg.Tools {
		argSets, err := expandArgs(step, merged)
		if err != nil {
			return nil, err
		}
		for _, args := range argSets {
			out, err := s.store.callWithReconnect(ctx, key, step.Name, args, CallOptions{Timeout: s.cfg.ToolTimeout})
			if err != nil {
				return nil, err
			}
			if login := loginChallenge(out); login != nil {
				s.logger.Info("upstream requires sign-in",
					slog.String("provider_id", providerID),
					slog.String("session_id", sessionID))
				return &Result{Login: login}, nil
			}
			mergeResult(merged, out)
		}
	}

	joinOrderDetails(merged)
	return &Result{Data: merged}, nil
}

// PollSignin asks the upstream whether a hosted sign-in has completed. The
// call runs with the extended polling budget rather than the default tool
// timeout, since the upstream may hold the request open.
func (s *Service) PollSignin(ctx context.Context, linkID, sessionID string) (map[string]any, error) {
	key := connKey{SessionID: sessionID, ProviderID: toolPollSignin}
	return s.store.callWithReconnect(ctx, key, toolPollSignin,
		map[string]any{"link_id": linkID},
		CallOptions{Timeout: s.cfg.PollTimeout})
}

// PollUntilFinished repeats PollSignin at a fixed interval until the upstream
// reports the sign-in finished, the attempt budget runs out, or ctx ends.
func (s *Service) PollUntilFinished(ctx context.Context, linkID, sessionID string) (map[string]any, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= s.cfg.PollMaxAttempts; attempt++ {
		out, err := s.PollSignin(ctx, linkID, sessionID)
		if err != nil {
			return nil, err
		}
		if finished(out) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, domain.ErrTimeout("sign-in polling cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil, domain.ErrTimeout(
		fmt.Sprintf("sign-in did not finish after %d polls", s.cfg.PollMaxAttempts), nil)
}

// CloseSession drops any cached connections for a browser session.
func (s *Service) CloseSession(sessionID string) {
	for _, cfg := range s.registry.All() {
		s.store.invalidate(connKey{SessionID: sessionID, ProviderID: cfg.ID})
	}
	s.store.invalidate(connKey{SessionID: sessionID, ProviderID: toolPollSignin})
	s.ipMu.Lock()
	delete(s.ips, sessionID)
	s.ipMu.Unlock()
}

// expandArgs turns one declared step into concrete argument sets. A plain
// step yields a single empty set. A forEach step yields one set per entry of
// the named key in the merged prior results, with each arg copied from the
// entry field it names.
func expandArgs(step provider.ToolStep, merged map[string]any) ([]map[string]any, error) {
	if step.ForEach == "" {
		return []map[string]any{{}}, nil
	}
	entries, ok := merged[step.ForEach].([]any)
	if !ok {
		// Nothing to iterate: the prior step produced no such list.
		return nil, nil
	}
	sets := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		args := make(map[string]any, len(step.Args))
		for argName, field := range step.Args {
			v, ok := obj[field]
			if !ok {
				return nil, domain.ErrProtocol(
					fmt.Sprintf("tool %s needs field %q absent from %s entries",
						step.Name, field, step.ForEach), nil)
			}
			args[argName] = v
		}
		sets = append(sets, args)
	}
	return sets, nil
}

// mergeResult folds one tool result into the accumulated payload:
// slice-valued keys concatenate, everything else is overwritten by the
// latest result.
func mergeResult(merged, out map[string]any) {
	for key, value := range out {
		next, nextIsSlice := value.([]any)
		prior, priorIsSlice := merged[key].([]any)
		if nextIsSlice && priorIsSlice {
			merged[key] = append(prior, next...)
			continue
		}
		merged[key] = value
	}
}

// joinOrderDetails enriches purchase_history entries in place with the
// matching purchase_history_details entry, keyed by order id. Only
// product_names and image_urls are taken from details, and only when a match
// exists; unmatched summaries keep their original fields.
func joinOrderDetails(merged map[string]any) {
	summaries, ok := merged["purchase_history"].([]any)
	if !ok {
		return
	}
	details, ok := merged["purchase_history_details"].([]any)
	if !ok {
		return
	}

	byID := make(map[string]map[string]any, len(details))
	for _, d := range details {
		obj, ok := d.(map[string]any)
		if !ok {
			continue
		}
		if id := orderID(obj); id != "" {
			byID[id] = obj
		}
	}

	for _, s := range summaries {
		obj, ok := s.(map[string]any)
		if !ok {
			continue
		}
		detail, ok := byID[orderID(obj)]
		if !ok {
			continue
		}
		if names, ok := detail["product_names"]; ok {
			obj["product_names"] = names
		}
		if urls, ok := detail["image_urls"]; ok {
			obj["image_urls"] = urls
		}
	}
}

// orderID returns the entry's order identifier under either of the two key
// spellings the scrapers emit.
func orderID(obj map[string]any) string {
	if id, ok := obj["order_id"].(string); ok && id != "" {
		return id
	}
	if id, ok := obj["order_number"].(string); ok && id != "" {
		return id
	}
	return ""
}

// loginChallenge extracts a sign-in escalation from a tool result, if present.
func loginChallenge(out map[string]any) *LoginChallenge {
	url, ok := out["url"].(string)
	if !ok || url == "" {
		return nil
	}
	linkID, _ := out["link_id"].(string)
	return &LoginChallenge{URL: url, LinkID: linkID}
}

// finished reports whether a poll result says the hosted sign-in completed.
func finished(out map[string]any) bool {
	switch v := out["status"].(type) {
	case string:
		return v == "FINISHED" || v == "finished"
	}
	if done, ok := out["finished"].(bool); ok {
		return done
	}
	return false
}
