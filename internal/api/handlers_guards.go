/**
 * @description
 * This file contains the operator-only handlers for guard chain
 * administration. Guards are described declaratively as JSON and attached to
 * a wallet's chain at runtime; removal detaches by guard name. These routes
 * sit behind the internal API key, not agent JWT auth.
 */

package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentrails/spendguard-service/internal/app"
	"github.com/agentrails/spendguard-service/internal/guard"
	"github.com/agentrails/spendguard-service/internal/store"
)

// GuardAdminHandlers holds the dependencies for guard administration.
type GuardAdminHandlers struct {
	service *app.Service
	store   store.AtomicStore
}

// NewGuardAdminHandlers creates a new instance of GuardAdminHandlers.
func NewGuardAdminHandlers(service *app.Service, atomicStore store.AtomicStore) *GuardAdminHandlers {
	return &GuardAdminHandlers{service: service, store: atomicStore}
}

type guardListResponse struct {
	WalletID string   `json:"wallet_id"`
	Guards   []string `json:"guards"`
}

func (h *GuardAdminHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *GuardAdminHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// ListGuardsHandler handles GET /internal/wallets/{walletID}/guards.
func (h *GuardAdminHandlers) ListGuardsHandler(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")
	if walletID == "" {
		h.writeError(w, http.StatusBadRequest, "wallet id is required")
		return
	}
	h.writeJSON(w, http.StatusOK, guardListResponse{
		WalletID: walletID,
		Guards:   h.service.Guards().GuardNames(walletID),
	})
}

// AddGuardHandler handles POST /internal/wallets/{walletID}/guards. The body
// is a declarative guard spec; evaluation order is attachment order.
func (h *GuardAdminHandlers) AddGuardHandler(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")
	if walletID == "" {
		h.writeError(w, http.StatusBadRequest, "wallet id is required")
		return
	}

	var spec guard.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	g, err := guard.FromSpec(h.store, spec)
	if err != nil {
		log.Printf("level=warn component=api endpoint=add_guard outcome=reject wallet_id=%s err=%v", walletID, err)
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.service.Guards().AddGuard(walletID, g)
	log.Printf("level=info component=api endpoint=add_guard outcome=attached wallet_id=%s guard=%s type=%s", walletID, g.Name(), spec.Type)
	h.writeJSON(w, http.StatusCreated, guardListResponse{
		WalletID: walletID,
		Guards:   h.service.Guards().GuardNames(walletID),
	})
}

// RemoveGuardHandler handles DELETE /internal/wallets/{walletID}/guards/{guardName}.
func (h *GuardAdminHandlers) RemoveGuardHandler(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")
	guardName := chi.URLParam(r, "guardName")
	if walletID == "" || guardName == "" {
		h.writeError(w, http.StatusBadRequest, "wallet id and guard name are required")
		return
	}

	if !h.service.Guards().RemoveGuard(walletID, guardName) {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("guard %s not attached to wallet %s", guardName, walletID))
		return
	}

	log.Printf("level=info component=api endpoint=remove_guard outcome=detached wallet_id=%s guard=%s", walletID, guardName)
	h.writeJSON(w, http.StatusOK, guardListResponse{
		WalletID: walletID,
		Guards:   h.service.Guards().GuardNames(walletID),
	})
}
