package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gatherbridge/internal/domain"
	"gatherbridge/internal/flow"
	"gatherbridge/internal/location"
	"gatherbridge/internal/protocol"
	"gatherbridge/internal/provider"
)

// flowKey scopes a login machine to one caller session and one provider.
type flowKey struct {
	SessionID  string
	ProviderID string
}

// machineFor returns the session's machine for a provider, building one on
// first use. The machine submits through the auth client and hands finished
// extractions to the transform engine with the provider's schema.
func (h *Handlers) machineFor(sessionID string, cfg provider.Config, clientIP string) *flow.Machine {
	key := flowKey{SessionID: sessionID, ProviderID: cfg.ID}
	h.flowMu.Lock()
	defer h.flowMu.Unlock()
	if h.flows == nil {
		h.flows = make(map[flowKey]*flow.Machine)
	}
	if m, ok := h.flows[key]; ok {
		return m
	}
	m := flow.NewMachine(flow.MachineConfig{
		ProviderID: cfg.ID,
		ClientIP:   clientIP,
		Submitter:  h.Auth,
		Engine:     h.Engine,
		Schema:     cfg.DataTransform,
		OnRecords:  h.persistRecords(sessionID, cfg.ID),
		Logger:     h.Logger,
	})
	h.flows[key] = m
	return m
}

func (h *Handlers) lookupMachine(sessionID, providerID string) *flow.Machine {
	h.flowMu.Lock()
	defer h.flowMu.Unlock()
	return h.flows[flowKey{SessionID: sessionID, ProviderID: providerID}]
}

// persistRecords stores extracted orders under the caller's session once the
// exchange finishes. The store write runs on its own deadline so a caller
// hangup cannot drop a completed extraction.
func (h *Handlers) persistRecords(sessionID, brand string) flow.Callback {
	return func(records []domain.Record, _ json.RawMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := h.Orders.SaveOrders(ctx, sessionID, domain.PurchaseHistoriesFromRecords(records, brand)); err != nil {
			h.Logger.Error("failed to store extracted orders",
				slog.String("brand", brand),
				slog.String("error", err.Error()))
		}
	}
}

// handleFlowStart opens (or resumes) the session's login exchange with a
// provider and returns the first prompt schema.
func (h *Handlers) handleFlowStart(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	cfg, err := h.Registry.Lookup(providerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "provider_id", providerID)

	m := h.machineFor(SessionID(r.Context()), cfg, location.ClientIP(r))
	snap, err := m.Start(r.Context())
	h.writeFlow(w, r, snap, err)
}

// handleFlowSubmit submits the values entered for one choice of the current
// step. An empty choice name is accepted when the step has exactly one.
func (h *Handlers) handleFlowSubmit(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	if _, err := h.Registry.Lookup(providerID); err != nil {
		h.writeError(w, r, err)
		return
	}

	var body struct {
		Choice string            `json:"choice"`
		Values map[string]string `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, domain.ErrProtocol("unparseable flow submission", err))
		return
	}
	AddLogField(r.Context(), "provider_id", providerID)

	m := h.lookupMachine(SessionID(r.Context()), providerID)
	if m == nil {
		h.writeError(w, r, domain.ErrConfiguration("no login in progress for this provider"))
		return
	}
	choice, ok := findChoice(m.Snapshot().Choices, body.Choice)
	if !ok {
		h.writeError(w, r, domain.ErrProtocol("unknown choice "+body.Choice, nil))
		return
	}

	snap, err := m.SubmitChoice(r.Context(), choice, body.Values)
	h.writeFlow(w, r, snap, err)
}

// handleFlowReset abandons the session's exchange with a provider. A fresh
// start rebuilds the machine from scratch.
func (h *Handlers) handleFlowReset(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	key := flowKey{SessionID: SessionID(r.Context()), ProviderID: providerID}

	h.flowMu.Lock()
	m := h.flows[key]
	delete(h.flows, key)
	h.flowMu.Unlock()

	if m != nil {
		m.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func findChoice(choices []protocol.Choice, name string) (protocol.Choice, bool) {
	if name == "" && len(choices) == 1 {
		return choices[0], true
	}
	for _, c := range choices {
		if c.Name == name {
			return c, true
		}
	}
	return protocol.Choice{}, false
}

// writeFlow renders a snapshot, keeping the phase visible even when the
// transition failed so the UI can show the error state alongside it.
func (h *Handlers) writeFlow(w http.ResponseWriter, r *http.Request, snap flow.Snapshot, err error) {
	if err != nil {
		AddError(r.Context(), err)
		writeJSON(w, faultStatus(err), map[string]any{
			"success": false,
			"error":   err.Error(),
			"flow":    snap,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "flow": snap})
}
