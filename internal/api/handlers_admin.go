package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/gorilla/mux"

	"gatekeeper/internal/models"
)

// CreateAPIKey mints a new API key. The raw key appears in the response
// exactly once; only its hash is stored.
// POST /api/v1/admin/keys
func (h *Handlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req models.CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "name is required")
		return
	}
	if req.Tier == "" {
		req.Tier = models.TierEnterprise
	}
	if req.Tier != models.TierStandard && req.Tier != models.TierEnterprise {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "tier must be standard or enterprise")
		return
	}

	rawKey, err := models.GenerateAPIKey()
	if err != nil {
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Failed to generate key")
		return
	}

	key := models.NewAPIKey(models.NewKeyID(), req.Name, rawKey, req.Tier)
	key.Organization = req.Organization
	if err := h.store.SaveAPIKey(r.Context(), key); err != nil {
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Failed to store key")
		return
	}

	slog.Info("api key created", "id", key.ID, "name", key.Name, "tier", key.Tier)
	h.writeJSONResponse(w, http.StatusCreated, models.CreateKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		Key:       rawKey,
		Tier:      key.Tier,
		CreatedAt: key.CreatedAt,
	})
}

// ResetClient wipes a client's request, violation and ban rows. Operator
// escape hatch for false positives; takes the hashed identity, never a
// raw address.
// DELETE /api/v1/admin/clients/{client_hash}
func (h *Handlers) ResetClient(w http.ResponseWriter, r *http.Request) {
	clientHash := mux.Vars(r)["client_hash"]
	if clientHash == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "client_hash is required")
		return
	}

	if err := h.store.DeleteClient(r.Context(), clientHash); err != nil {
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Failed to reset client")
		return
	}

	slog.Info("client reset", "client", clientHash)
	w.WriteHeader(http.StatusNoContent)
}

// reloadWhitelistRequest is the admin payload replacing the exemption set.
type reloadWhitelistRequest struct {
	Addresses []string `json:"addresses"`
}

// ReloadWhitelist replaces the in-memory whitelist. The swap is atomic:
// requests in flight see either the old set or the new one, never a
// partial state.
// POST /api/v1/admin/whitelist/reload
func (h *Handlers) ReloadWhitelist(w http.ResponseWriter, r *http.Request) {
	var req reloadWhitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}
	for _, addr := range req.Addresses {
		if _, err := netip.ParseAddr(addr); err != nil {
			h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "invalid address: "+addr)
			return
		}
	}

	h.engine.Whitelist().Reload(req.Addresses)
	slog.Info("whitelist reloaded", "addresses", len(req.Addresses))
	h.writeJSONResponse(w, http.StatusOK, map[string]int{"addresses": len(req.Addresses)})
}
