package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowflow/token"
)

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}

	info, err := s.ledger.Register(r.Context(), req.Address, req.Symbol)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTokenResponse(info))
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	info, err := s.ledger.Get(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(info))
}

// handleMint issues fresh units. Admin-only; clients acquire balances through
// transfers.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	caller := CallerFrom(r.Context())
	if !caller.IsAdmin() {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "admin role required"})
		return
	}

	var req struct {
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}
	amount, err := token.ParseAmount(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	if err := s.ledger.Mint(r.Context(), chi.URLParam(r, "address"), req.To, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"to": req.To, "amount": amount.String()})
}

// handleApproveAllowance sets the caller's allowance for a spender; the owner
// is always the authenticated caller, never a request field.
func (s *Server) handleApproveAllowance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Spender string `json:"spender"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}
	amount, err := token.ParseAmount(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	owner := CallerFrom(r.Context()).Address
	if err := s.ledger.Approve(r.Context(), chi.URLParam(r, "address"), owner, req.Spender, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   owner,
		"spender": req.Spender,
		"amount":  amount.String(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.BalanceOf(r.Context(), chi.URLParam(r, "address"), chi.URLParam(r, "holder"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	allowance, err := s.ledger.Allowance(r.Context(), chi.URLParam(r, "address"), q.Get("owner"), q.Get("spender"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"allowance": allowance.String()})
}
