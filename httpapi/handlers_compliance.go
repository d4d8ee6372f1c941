package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowflow/compliance"
	"escrowflow/token"
)

type complianceRecordRequest struct {
	Address              string `json:"address"`
	KYCVerified          bool   `json:"kyc_verified"`
	RiskLevel            int16  `json:"risk_level"`
	Jurisdiction         string `json:"jurisdiction"`
	KYCReference         string `json:"kyc_reference"`
	SanctionsCheckPassed bool   `json:"sanctions_check_passed"`
	IsPEP                bool   `json:"is_pep"`
}

func (s *Server) handleCreateComplianceRecord(w http.ResponseWriter, r *http.Request) {
	var req complianceRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}

	rec, err := s.compliance.CreateRecord(r.Context(), CallerFrom(r.Context()), compliance.CreateParams{
		Address:              req.Address,
		KYCVerified:          req.KYCVerified,
		RiskLevel:            compliance.RiskLevel(req.RiskLevel),
		Jurisdiction:         req.Jurisdiction,
		KYCReference:         req.KYCReference,
		SanctionsCheckPassed: req.SanctionsCheckPassed,
		IsPEP:                req.IsPEP,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toComplianceResponse(rec))
}

func (s *Server) handleUpdateComplianceRecord(w http.ResponseWriter, r *http.Request) {
	var req complianceRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}

	rec, err := s.compliance.UpdateRecord(r.Context(), CallerFrom(r.Context()), compliance.UpdateParams{
		Address:              chi.URLParam(r, "address"),
		KYCVerified:          req.KYCVerified,
		RiskLevel:            compliance.RiskLevel(req.RiskLevel),
		Jurisdiction:         req.Jurisdiction,
		KYCReference:         req.KYCReference,
		SanctionsCheckPassed: req.SanctionsCheckPassed,
		IsPEP:                req.IsPEP,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toComplianceResponse(rec))
}

func (s *Server) handleGetComplianceRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.compliance.GetRecord(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toComplianceResponse(rec))
}

// handleComplianceStatus bundles the derivation queries for one address.
func (s *Server) handleComplianceStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := chi.URLParam(r, "address")

	has, err := s.compliance.HasComplianceRecord(ctx, address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	compliant, err := s.compliance.IsCompliant(ctx, address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	kyc, err := s.compliance.IsKYCVerified(ctx, address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	highRisk, err := s.compliance.IsHighRiskUser(ctx, address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Address     string `json:"address"`
		HasRecord   bool   `json:"has_record"`
		Compliant   bool   `json:"compliant"`
		KYCVerified bool   `json:"kyc_verified"`
		HighRisk    bool   `json:"high_risk"`
	}{address, has, compliant, kyc, highRisk})
}

func (s *Server) handleValidateTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From   string `json:"from"`
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

	ok, reason, err := s.compliance.ValidateTransaction(r.Context(), req.From, req.To, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason,omitempty"`
	}{ok, reason})
}

func (s *Server) handleCompliancePause(w http.ResponseWriter, r *http.Request) {
	if err := s.compliance.Pause(r.Context(), CallerFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleComplianceUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.compliance.Unpause(r.Context(), CallerFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}
