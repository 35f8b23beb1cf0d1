/**
 * @description
 * This file contains the HTTP handlers for the spendguard-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the admission
 * control logic.
 *
 * Error mapping: policy denials are 402, risk flags that need confirmation
 * are 409, a busy wallet lock is 503 with Retry-After, expired intents are
 * 410, and finalized intents are 409.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/guard: service logic, DTOs, and
 *   typed denial errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentrails/spendguard-service/internal/app"
	"github.com/agentrails/spendguard-service/internal/domain"
	"github.com/agentrails/spendguard-service/internal/guard"
)

// PaymentHandlers holds the application service that handlers will use.
type PaymentHandlers struct {
	service *app.Service
}

// NewPaymentHandlers creates a new instance of PaymentHandlers.
func NewPaymentHandlers(service *app.Service) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps service and guard errors onto HTTP statuses.
func (h *PaymentHandlers) writeServiceError(w http.ResponseWriter, err error) {
	var policyErr *guard.PolicyDeniedError
	var flaggedErr *guard.RiskFlaggedError
	var blockedErr *guard.RiskBlockedError

	switch {
	case errors.Is(err, app.ErrInvalidWallet),
		errors.Is(err, app.ErrInvalidRecipient),
		errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &policyErr), errors.As(err, &blockedErr):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.As(err, &flaggedErr):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrLockUnavailable):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, app.ErrIntentNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrIntentExpired):
		h.writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, app.ErrIntentFinalized):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *PaymentHandlers) intentIDFromURL(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	intentID, err := uuid.Parse(chi.URLParam(r, "intentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid intent id")
		return uuid.Nil, false
	}
	return intentID, true
}

// CreateIntentHandler handles POST /payments: full admission plus hold.
func (h *PaymentHandlers) CreateIntentHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := GetAgentID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "could not get agent ID from context")
		return
	}

	var req domain.CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_intent outcome=reject reason=invalid_json agent_id=%s err=%v", agentID, err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	intent, err := h.service.CreateIntent(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_intent outcome=failed agent_id=%s wallet_id=%s err=%v", agentID, req.WalletID, err)
		h.writeServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=create_intent outcome=accepted agent_id=%s intent_id=%s wallet_id=%s", agentID, intent.ID, intent.WalletID)
	h.writeJSON(w, http.StatusCreated, intent)
}

// ConfirmIntentHandler handles POST /payments/{intentID}/confirm.
func (h *PaymentHandlers) ConfirmIntentHandler(w http.ResponseWriter, r *http.Request) {
	intentID, ok := h.intentIDFromURL(w, r)
	if !ok {
		return
	}

	result, err := h.service.ConfirmIntent(r.Context(), intentID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=confirm_intent outcome=failed intent_id=%s err=%v", intentID, err)
		h.writeServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=confirm_intent outcome=confirmed intent_id=%s reference_id=%s", intentID, result.ReferenceID)
	h.writeJSON(w, http.StatusOK, result)
}

// CancelIntentHandler handles POST /payments/{intentID}/cancel.
func (h *PaymentHandlers) CancelIntentHandler(w http.ResponseWriter, r *http.Request) {
	intentID, ok := h.intentIDFromURL(w, r)
	if !ok {
		return
	}

	var req domain.CancelIntentRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	intent, err := h.service.CancelIntent(r.Context(), intentID, req.Reason)
	if err != nil {
		log.Printf("level=warn component=api endpoint=cancel_intent outcome=failed intent_id=%s err=%v", intentID, err)
		h.writeServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=cancel_intent outcome=canceled intent_id=%s", intentID)
	h.writeJSON(w, http.StatusOK, intent)
}

// GetIntentHandler handles GET /payments/{intentID}.
func (h *PaymentHandlers) GetIntentHandler(w http.ResponseWriter, r *http.Request) {
	intentID, ok := h.intentIDFromURL(w, r)
	if !ok {
		return
	}

	intent, err := h.service.GetIntent(r.Context(), intentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, intent)
}

// SimulateHandler handles POST /payments/simulate: a dry run of the wallet's
// guard chain with no side effects.
func (h *PaymentHandlers) SimulateHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result, err := h.service.Simulate(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// AvailableBalanceHandler handles GET /wallets/{walletID}/available.
func (h *PaymentHandlers) AvailableBalanceHandler(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")
	if walletID == "" {
		h.writeError(w, http.StatusBadRequest, "wallet id is required")
		return
	}

	balance, err := h.service.AvailableBalance(r.Context(), walletID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=available_balance outcome=failed wallet_id=%s err=%v", walletID, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}
