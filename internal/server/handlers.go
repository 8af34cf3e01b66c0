package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"gatherbridge/internal/domain"
	"gatherbridge/internal/flow"
	"gatherbridge/internal/gather"
	"gatherbridge/internal/location"
	"gatherbridge/internal/protocol"
	"gatherbridge/internal/provider"
	"gatherbridge/internal/storage"
	"gatherbridge/internal/transform"
)

// Handlers carries the wired services behind the HTTP surface.
type Handlers struct {
	Gather   *gather.Service
	Auth     *gather.AuthClient
	Links    *gather.LinkClient
	Registry *provider.Registry
	Orders   storage.OrderStore
	Engine   *transform.Engine

	// PublicOrigin is where hosted login links are rewritten to.
	PublicOrigin string

	Logger *slog.Logger

	flowMu sync.Mutex
	flows  map[flowKey]*flow.Machine
}

// Routes mounts every endpoint on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/api/config", h.handleConfig)
	r.Post("/api/auth/{provider}", h.handleAuth)
	r.Post("/api/flow/{provider}/start", h.handleFlowStart)
	r.Post("/api/flow/{provider}/submit", h.handleFlowSubmit)
	r.Post("/api/flow/{provider}/reset", h.handleFlowReset)
	r.Post("/api/link/create", h.handleLinkCreate)
	r.Get("/api/link/status/{linkID}", h.handleLinkStatus)
	r.Post("/api/orders/log", h.handleLogOrders)
	r.Get("/api/orders", h.handleRecentOrders)
	r.Post("/internal/mcp/retrieve-data", h.handleRetrieveData)
	r.Post("/internal/mcp/poll-auth", h.handlePollAuth)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleConfig lists the configured providers for the UI's connect screen.
func (h *Handlers) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"brands":  h.Registry.All(),
	})
}

// handleAuth proxies one turn of a provider's login exchange upstream,
// enriching the submission with the caller's location.
func (h *Handlers) handleAuth(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	if _, err := h.Registry.Lookup(providerID); err != nil {
		h.writeError(w, r, err)
		return
	}

	var sub protocol.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.writeError(w, r, domain.ErrProtocol("unparseable submission body", err))
		return
	}

	clientIP := location.ClientIP(r)
	h.Gather.SetClientIP(SessionID(r.Context()), clientIP)
	AddLogField(r.Context(), "provider_id", providerID)

	turn, err := h.Auth.Submit(r.Context(), providerID, clientIP, sub)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (h *Handlers) handleLinkCreate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, domain.ErrProtocol("unparseable link request", err))
		return
	}
	link, err := h.Links.Create(r.Context(), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	link.HostedLinkURL = gather.RewriteLinkURL(link.HostedLinkURL, h.PublicOrigin)
	writeJSON(w, http.StatusOK, link)
}

func (h *Handlers) handleLinkStatus(w http.ResponseWriter, r *http.Request) {
	link, err := h.Links.Status(r.Context(), chi.URLParam(r, "linkID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	link.HostedLinkURL = gather.RewriteLinkURL(link.HostedLinkURL, h.PublicOrigin)
	writeJSON(w, http.StatusOK, link)
}

// handleRetrieveData runs a provider's extraction chain and returns either
// the transformed records or a login challenge the UI must complete first.
func (h *Handlers) handleRetrieveData(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProviderID string `json:"provider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, domain.ErrProtocol("unparseable retrieve request", err))
		return
	}
	cfg, err := h.Registry.Lookup(body.ProviderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sessionID := SessionID(r.Context())
	h.Gather.SetClientIP(sessionID, location.ClientIP(r))
	AddLogField(r.Context(), "provider_id", body.ProviderID)

	result, err := h.Gather.RetrieveData(r.Context(), body.ProviderID, sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if result.Login != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"url":     gather.RewriteLinkURL(result.Login.URL, h.PublicOrigin),
				"link_id": result.Login.LinkID,
			},
		})
		return
	}

	records := h.Engine.Transform(result.Data, cfg.DataTransform)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"brand":  cfg.ID,
			"orders": domain.PurchaseHistoriesFromRecords(records, cfg.ID),
		},
	})
}

// handlePollAuth blocks until a hosted sign-in finishes or the poll budget
// runs out.
func (h *Handlers) handlePollAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LinkID string `json:"link_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, domain.ErrProtocol("unparseable poll request", err))
		return
	}
	if body.LinkID == "" {
		h.writeError(w, r, domain.ErrConfiguration("link_id is required"))
		return
	}
	AddLogField(r.Context(), "link_id", body.LinkID)

	out, err := h.Gather.PollUntilFinished(r.Context(), body.LinkID, SessionID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": out})
}

func (h *Handlers) handleLogOrders(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Orders []domain.PurchaseHistory `json:"orders"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, domain.ErrProtocol("unparseable orders body", err))
		return
	}

	saved, err := h.Orders.SaveOrders(r.Context(), SessionID(r.Context()), body.Orders)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "saved": saved})
}

func (h *Handlers) handleRecentOrders(w http.ResponseWriter, r *http.Request) {
	logged, err := h.Orders.RecentOrders(r.Context(), SessionID(r.Context()), 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	orders := make([]domain.PurchaseHistory, 0, len(logged))
	for _, l := range logged {
		orders = append(orders, l.Order)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orders": orders})
}

// writeError maps a fault to its status code and renders the canonical error
// envelope.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)
	writeJSON(w, faultStatus(err), map[string]any{"success": false, "error": err.Error()})
}

func faultStatus(err error) int {
	status := http.StatusInternalServerError
	var fault *domain.Fault
	if errors.As(err, &fault) {
		status = fault.HTTPStatusCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	return status
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
