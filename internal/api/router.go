/**
 * @description
 * This file sets up the HTTP router for the spendguard-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// PaymentRoutes creates and returns a new router for the spendguard service.
func PaymentRoutes(h *PaymentHandlers, admin *GuardAdminHandlers, jwtSecret, internalKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require agent authentication.
	r.Group(func(r chi.Router) {
		r.Use(AgentAuthMiddleware(jwtSecret))

		// Payment intent lifecycle
		r.Post("/payments", h.CreateIntentHandler)
		r.Post("/payments/simulate", h.SimulateHandler)
		r.Get("/payments/{intentID}", h.GetIntentHandler)
		r.Post("/payments/{intentID}/confirm", h.ConfirmIntentHandler)
		r.Post("/payments/{intentID}/cancel", h.CancelIntentHandler)

		// Wallet availability view
		r.Get("/wallets/{walletID}/available", h.AvailableBalanceHandler)
	})

	// Operator-only guard administration.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalKey))

		r.Get("/internal/wallets/{walletID}/guards", admin.ListGuardsHandler)
		r.Post("/internal/wallets/{walletID}/guards", admin.AddGuardHandler)
		r.Delete("/internal/wallets/{walletID}/guards/{guardName}", admin.RemoveGuardHandler)
	})

	return r
}
