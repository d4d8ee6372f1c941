package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"escrowflow/auth"
)

type configResponse struct {
	PlatformWallet    string `json:"platform_wallet"`
	PlatformFeeBps    int32  `json:"platform_fee_bps"`
	AgentFeeBps       int32  `json:"agent_fee_bps"`
	DefaultAgent      string `json:"default_agent,omitempty"`
	DefaultArbiter    string `json:"default_arbiter,omitempty"`
	Paused            bool   `json:"paused"`
	StrictWhitelist   bool   `json:"strict_whitelist"`
	RequireCompliance bool   `json:"require_compliance"`
	UpdatedAt         string `json:"updated_at"`
}

func (s *Server) handlePlatformConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.escrows.Config(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{
		PlatformWallet:    cfg.PlatformWallet,
		PlatformFeeBps:    cfg.PlatformFeeBps,
		AgentFeeBps:       cfg.AgentFeeBps,
		DefaultAgent:      cfg.DefaultAgent,
		DefaultArbiter:    cfg.DefaultArbiter,
		Paused:            cfg.Paused,
		StrictWhitelist:   cfg.StrictWhitelist,
		RequireCompliance: cfg.RequireCompliance,
		UpdatedAt:         cfg.UpdatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleWhitelistToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token   string `json:"token"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}
	if err := s.factory.WhitelistToken(r.Context(), CallerFrom(r.Context()), req.Token, req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": req.Token, "whitelisted": req.Enabled})
}

func (s *Server) handleSetPlatformFee(w http.ResponseWriter, r *http.Request) {
	s.setFee(w, r, s.factory.SetPlatformFee)
}

func (s *Server) handleSetAgentFee(w http.ResponseWriter, r *http.Request) {
	s.setFee(w, r, s.factory.SetAgentFee)
}

func (s *Server) setFee(w http.ResponseWriter, r *http.Request, set func(ctx context.Context, caller auth.Caller, bps int32) error) {
	var req struct {
		Bps int32 `json:"bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}
	if err := set(r.Context(), CallerFrom(r.Context()), req.Bps); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int32{"bps": req.Bps})
}

func (s *Server) handleSetDefaultAgent(w http.ResponseWriter, r *http.Request) {
	s.setAddress(w, r, s.factory.SetDefaultAgent)
}

func (s *Server) handleSetDefaultArbiter(w http.ResponseWriter, r *http.Request) {
	s.setAddress(w, r, s.factory.SetDefaultArbiter)
}

func (s *Server) setAddress(w http.ResponseWriter, r *http.Request, set func(ctx context.Context, caller auth.Caller, address string) error) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}
	if err := set(r.Context(), CallerFrom(r.Context()), req.Address); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": req.Address})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.factory.Pause(r.Context(), CallerFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.factory.Unpause(r.Context(), CallerFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}
