package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"escrowflow/auth"
	"escrowflow/compliance"
	"escrowflow/escrow"
	"escrowflow/token"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps sentinel errors onto HTTP statuses. The error text is the
// canonical revert reason and goes to the client verbatim.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, compliance.ErrRecordNotFound),
		errors.Is(err, token.ErrUnknownToken),
		errors.Is(err, auth.ErrUserNotFound):
		status = http.StatusNotFound

	case errors.Is(err, auth.ErrInvalidCredentials):
		status = http.StatusUnauthorized

	case errors.Is(err, escrow.ErrNotAdmin),
		errors.Is(err, escrow.ErrOnlyBuyerDeposits),
		errors.Is(err, escrow.ErrOnlyAgentVerifies),
		errors.Is(err, escrow.ErrOnlySellerRelease),
		errors.Is(err, escrow.ErrOnlyArbiter),
		errors.Is(err, escrow.ErrNotParticipant),
		errors.Is(err, escrow.ErrNotDisputeParty),
		errors.Is(err, compliance.ErrNotOfficer),
		errors.Is(err, auth.ErrRoleRestricted):
		status = http.StatusForbidden

	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrAlreadyApproved),
		errors.Is(err, escrow.ErrReleaseConditions),
		errors.Is(err, escrow.ErrCannotRefund),
		errors.Is(err, escrow.ErrTokenListed),
		errors.Is(err, escrow.ErrPaused),
		errors.Is(err, compliance.ErrPaused),
		errors.Is(err, compliance.ErrRecordExists),
		errors.Is(err, token.ErrDuplicateToken),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, auth.ErrDuplicateEmail):
		status = http.StatusConflict

	case errors.Is(err, escrow.ErrPropertyIDRequired),
		errors.Is(err, escrow.ErrPartiesRequired),
		errors.Is(err, escrow.ErrSameParty),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrPastDeadline),
		errors.Is(err, escrow.ErrTokenNotListed),
		errors.Is(err, escrow.ErrNoArbiter),
		errors.Is(err, escrow.ErrFeeTooHigh),
		errors.Is(err, escrow.ErrCompliance),
		errors.Is(err, escrow.ErrEmptyReason),
		errors.Is(err, escrow.ErrEmptyResolution),
		errors.Is(err, compliance.ErrEmptyAddress),
		errors.Is(err, compliance.ErrEmptyMetadata),
		errors.Is(err, compliance.ErrInvalidRiskLevel),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, auth.ErrWeakPassword):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		if s.logger != nil {
			s.logger.Printf("internal error on %s %s (request %s): %v", r.Method, r.URL.Path, RequestIDFrom(r.Context()), err)
		}
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

type escrowResponse struct {
	ID                   int64   `json:"id"`
	Buyer                string  `json:"buyer"`
	Seller               string  `json:"seller"`
	Agent                string  `json:"agent,omitempty"`
	Arbiter              string  `json:"arbiter"`
	Token                string  `json:"token"`
	DepositAmount        string  `json:"deposit_amount"`
	PlatformFeeBps       int32   `json:"platform_fee_bps"`
	AgentFeeBps          int32   `json:"agent_fee_bps"`
	DepositDeadline      string  `json:"deposit_deadline"`
	VerificationDeadline *string `json:"verification_deadline,omitempty"`
	PropertyID           string  `json:"property_id"`
	DocumentHash         string  `json:"document_hash,omitempty"`
	Status               string  `json:"status"`
	FundedAt             *string `json:"funded_at,omitempty"`
	BuyerApproved        bool    `json:"buyer_approved"`
	SellerApproved       bool    `json:"seller_approved"`
	AgentApproved        bool    `json:"agent_approved"`
	DisputeReason        *string `json:"dispute_reason,omitempty"`
	Resolution           *string `json:"resolution,omitempty"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

func toEscrowResponse(rec escrow.Record) escrowResponse {
	return escrowResponse{
		ID:                   rec.ID,
		Buyer:                rec.Buyer,
		Seller:               rec.Seller,
		Agent:                rec.Agent,
		Arbiter:              rec.Arbiter,
		Token:                rec.Token,
		DepositAmount:        rec.DepositAmount.String(),
		PlatformFeeBps:       rec.PlatformFeeBps,
		AgentFeeBps:          rec.AgentFeeBps,
		DepositDeadline:      rec.DepositDeadline.Format(time.RFC3339),
		VerificationDeadline: formatTimePtr(rec.VerificationDeadline),
		PropertyID:           rec.PropertyID,
		DocumentHash:         rec.DocumentHash,
		Status:               string(rec.Status),
		FundedAt:             formatTimePtr(rec.FundedAt),
		BuyerApproved:        rec.BuyerApproved,
		SellerApproved:       rec.SellerApproved,
		AgentApproved:        rec.AgentApproved,
		DisputeReason:        rec.DisputeReason,
		Resolution:           rec.Resolution,
		CreatedAt:            rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            rec.UpdatedAt.Format(time.RFC3339),
	}
}

type eventResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Actor     *string         `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

func toEventResponse(ev escrow.TimelineEvent) eventResponse {
	return eventResponse{
		Seq:       ev.Seq,
		Type:      ev.Type,
		Actor:     ev.Actor,
		Payload:   json.RawMessage(ev.Payload),
		CreatedAt: ev.CreatedAt.Format(time.RFC3339),
	}
}

type complianceRecordResponse struct {
	Address              string `json:"address"`
	KYCVerified          bool   `json:"kyc_verified"`
	RiskLevel            int16  `json:"risk_level"`
	Jurisdiction         string `json:"jurisdiction"`
	KYCReference         string `json:"kyc_reference"`
	SanctionsCheckPassed bool   `json:"sanctions_check_passed"`
	IsPEP                bool   `json:"is_pep"`
	LastUpdated          string `json:"last_updated"`
	CreatedAt            string `json:"created_at"`
}

func toComplianceResponse(rec compliance.Record) complianceRecordResponse {
	return complianceRecordResponse{
		Address:              rec.Address,
		KYCVerified:          rec.KYCVerified,
		RiskLevel:            int16(rec.RiskLevel),
		Jurisdiction:         rec.Jurisdiction,
		KYCReference:         rec.KYCReference,
		SanctionsCheckPassed: rec.SanctionsCheckPassed,
		IsPEP:                rec.IsPEP,
		LastUpdated:          rec.LastUpdated.Format(time.RFC3339),
		CreatedAt:            rec.CreatedAt.Format(time.RFC3339),
	}
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Address  string `json:"address"`
	Role     string `json:"role"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:       u.ID,
		Email:    u.Email,
		FullName: u.FullName,
		Address:  u.Address,
		Role:     string(u.Role),
	}
}

type tokenResponse struct {
	Address     string `json:"address"`
	Symbol      string `json:"symbol"`
	Whitelisted bool   `json:"whitelisted"`
	CreatedAt   string `json:"created_at"`
}

func toTokenResponse(info token.Info) tokenResponse {
	return tokenResponse{
		Address:     info.Address,
		Symbol:      info.Symbol,
		Whitelisted: info.Whitelisted,
		CreatedAt:   info.CreatedAt.Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
