package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Router wires all endpoints. Everything under /api except auth requires a
// bearer token; admin and compliance gating happens in the services, not here.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestID)
	r.Use(s.measureRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Route("/escrows", func(r chi.Router) {
				r.Post("/", s.handleCreateEscrow)
				r.Get("/", s.handleListEscrows)
				r.Get("/{id}", s.handleGetEscrow)
				r.Get("/{id}/events", s.handleEscrowEvents)
				r.Get("/{id}/can-release", s.handleCanRelease)
				r.Post("/{id}/deposit", s.handleDeposit)
				r.Post("/{id}/verify", s.handleVerify)
				r.Post("/{id}/approve", s.handleApprove)
				r.Post("/{id}/release", s.handleRelease)
				r.Post("/{id}/dispute", s.handleDispute)
				r.Post("/{id}/resolve", s.handleResolve)
				r.Post("/{id}/refund", s.handleRefund)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Get("/config", s.handlePlatformConfig)
				r.Post("/users", s.handleCreateUser)
				r.Post("/tokens/whitelist", s.handleWhitelistToken)
				r.Post("/fees/platform", s.handleSetPlatformFee)
				r.Post("/fees/agent", s.handleSetAgentFee)
				r.Post("/default-agent", s.handleSetDefaultAgent)
				r.Post("/default-arbiter", s.handleSetDefaultArbiter)
				r.Post("/pause", s.handlePause)
				r.Post("/unpause", s.handleUnpause)
			})

			r.Route("/compliance", func(r chi.Router) {
				r.Post("/records", s.handleCreateComplianceRecord)
				r.Put("/records/{address}", s.handleUpdateComplianceRecord)
				r.Get("/records/{address}", s.handleGetComplianceRecord)
				r.Get("/status/{address}", s.handleComplianceStatus)
				r.Post("/validate", s.handleValidateTransaction)
				r.Post("/pause", s.handleCompliancePause)
				r.Post("/unpause", s.handleComplianceUnpause)
			})

			r.Route("/tokens", func(r chi.Router) {
				r.Post("/", s.handleRegisterToken)
				r.Get("/{address}", s.handleGetToken)
				r.Post("/{address}/mint", s.handleMint)
				r.Post("/{address}/approve", s.handleApproveAllowance)
				r.Get("/{address}/balance/{holder}", s.handleBalance)
				r.Get("/{address}/allowance", s.handleAllowance)
			})
		})
	})

	return r
}
