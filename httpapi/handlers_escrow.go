package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/token"
)

type createEscrowRequest struct {
	Buyer                string  `json:"buyer"`
	Seller               string  `json:"seller"`
	Agent                string  `json:"agent"`
	Arbiter              string  `json:"arbiter"`
	Token                string  `json:"token"`
	DepositAmount        string  `json:"deposit_amount"`
	DepositDeadline      string  `json:"deposit_deadline"`
	VerificationDeadline *string `json:"verification_deadline"`
	PropertyID           string  `json:"property_id"`
	DocumentHash         string  `json:"document_hash"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}

	amount, err := token.ParseAmount(req.DepositAmount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	depositDeadline, err := time.Parse(time.RFC3339, req.DepositDeadline)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "deposit_deadline must be RFC3339"})
		return
	}
	var verificationDeadline *time.Time
	if req.VerificationDeadline != nil {
		t, err := time.Parse(time.RFC3339, *req.VerificationDeadline)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "verification_deadline must be RFC3339"})
			return
		}
		verificationDeadline = &t
	}

	caller := CallerFrom(r.Context())
	buyer := req.Buyer
	if buyer == "" {
		buyer = caller.Address
	}

	rec, err := s.factory.CreateEscrow(r.Context(), caller, escrow.CreateParams{
		Buyer:                buyer,
		Seller:               req.Seller,
		Agent:                req.Agent,
		Arbiter:              req.Arbiter,
		Token:                req.Token,
		DepositAmount:        amount,
		DepositDeadline:      depositDeadline,
		VerificationDeadline: verificationDeadline,
		PropertyID:           req.PropertyID,
		DocumentHash:         req.DocumentHash,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.metrics != nil {
		s.metrics.EscrowsCreated.Inc()
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(rec))
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	records, err := s.escrows.List(r.Context(), escrow.ListFilters{
		Participant: q.Get("participant"),
		Status:      escrow.Status(q.Get("status")),
		Page:        page,
		PageSize:    pageSize,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]escrowResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toEscrowResponse(rec))
	}
	writeJSON(w, http.StatusOK, struct {
		Items []escrowResponse `json:"items"`
	}{Items: items})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	rec, err := s.escrows.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	events, err := s.escrows.Events(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, toEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, struct {
		Items []eventResponse `json:"items"`
	}{Items: items})
}

func (s *Server) handleCanRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	can, err := s.escrows.CanRelease(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"can_release": can})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.lifecycle.DepositFunds, func() {
		if s.metrics != nil {
			s.metrics.FundsDeposited.Inc()
		}
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.lifecycle.CompleteVerification, nil)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.lifecycle.GiveApproval, nil)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.lifecycle.ReleaseFunds, func() {
		if s.metrics != nil {
			s.metrics.FundsReleased.Inc()
		}
	})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}

	rec, err := s.lifecycle.RaiseDispute(r.Context(), CallerFrom(r.Context()), id, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.DisputesRaised.Inc()
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var req struct {
		FavorBuyer bool   `json:"favor_buyer"`
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}

	rec, err := s.lifecycle.ResolveDispute(r.Context(), CallerFrom(r.Context()), id, req.FavorBuyer, req.Resolution)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.DisputesSettled.Inc()
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.lifecycle.RefundBuyer, func() {
		if s.metrics != nil {
			s.metrics.Refunds.Inc()
		}
	})
}

type transitionFunc func(ctx context.Context, caller auth.Caller, id int64) (escrow.Record, error)

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc, onSuccess func()) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	rec, err := fn(r.Context(), CallerFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if onSuccess != nil {
		onSuccess()
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func escrowID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid escrow id"})
		return 0, false
	}
	return id, true
}
