package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"escrowflow/auth"
)

// Service enforces officer gating and derives compliance answers. Missing
// records always yield the conservative answer rather than an error.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreateRecord registers a participant's compliance record. One record per
// address; duplicates are rejected.
func (s *Service) CreateRecord(ctx context.Context, caller auth.Caller, params CreateParams) (Record, error) {
	if !caller.IsComplianceOfficer() {
		return Record{}, ErrNotOfficer
	}
	if err := s.guardWrite(ctx); err != nil {
		return Record{}, err
	}
	if params.Address == "" {
		return Record{}, ErrEmptyAddress
	}
	if params.Jurisdiction == "" || params.KYCReference == "" {
		return Record{}, ErrEmptyMetadata
	}
	if !params.RiskLevel.Valid() {
		return Record{}, ErrInvalidRiskLevel
	}

	return s.repo.Create(ctx, params)
}

// UpdateRecord refreshes an existing record; last_updated moves on every call.
func (s *Service) UpdateRecord(ctx context.Context, caller auth.Caller, params UpdateParams) (Record, error) {
	if !caller.IsComplianceOfficer() {
		return Record{}, ErrNotOfficer
	}
	if err := s.guardWrite(ctx); err != nil {
		return Record{}, err
	}
	if params.Address == "" {
		return Record{}, ErrEmptyAddress
	}
	if params.Jurisdiction == "" || params.KYCReference == "" {
		return Record{}, ErrEmptyMetadata
	}
	if !params.RiskLevel.Valid() {
		return Record{}, ErrInvalidRiskLevel
	}

	return s.repo.Update(ctx, params)
}

// GetRecord returns the stored record for an address.
func (s *Service) GetRecord(ctx context.Context, address string) (Record, error) {
	return s.repo.Get(ctx, address)
}

// HasComplianceRecord reports whether the address is known to the registry.
func (s *Service) HasComplianceRecord(ctx context.Context, address string) (bool, error) {
	_, err := s.repo.Get(ctx, address)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsCompliant derives the overall status; unknown addresses are not compliant.
func (s *Service) IsCompliant(ctx context.Context, address string) (bool, error) {
	rec, err := s.repo.Get(ctx, address)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return rec.Compliant(), nil
}

// IsKYCVerified reports the KYC flag; unknown addresses read as unverified.
func (s *Service) IsKYCVerified(ctx context.Context, address string) (bool, error) {
	rec, err := s.repo.Get(ctx, address)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return rec.KYCVerified, nil
}

// IsHighRiskUser reports whether the address sits at or above the high-risk
// tier. Unknown addresses are treated as high risk.
func (s *Service) IsHighRiskUser(ctx context.Context, address string) (bool, error) {
	rec, err := s.repo.Get(ctx, address)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return true, nil
		}
		return false, err
	}
	return rec.RiskLevel >= RiskHigh, nil
}

// ValidateTransaction checks both participants independently and returns the
// first violated rule as the reason. An empty reason means the transaction is
// allowed.
func (s *Service) ValidateTransaction(ctx context.Context, from, to string, amount decimal.Decimal) (bool, string, error) {
	if from == "" || to == "" {
		return false, "participant address missing", nil
	}
	if !amount.IsPositive() {
		return false, "amount must be positive", nil
	}

	for _, addr := range []string{from, to} {
		rec, err := s.repo.Get(ctx, addr)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return false, fmt.Sprintf("no compliance record for %s", addr), nil
			}
			return false, "", err
		}
		if !rec.Compliant() {
			return false, fmt.Sprintf("%s is not compliant", addr), nil
		}
		if rec.RiskLevel >= RiskProhibited {
			return false, fmt.Sprintf("%s is prohibited", addr), nil
		}
	}

	return true, "", nil
}

// Pause stops record creation and updates. Reads remain available.
func (s *Service) Pause(ctx context.Context, caller auth.Caller) error {
	if !caller.IsComplianceOfficer() {
		return ErrNotOfficer
	}
	return s.repo.SetPaused(ctx, true)
}

// Unpause re-enables registry writes.
func (s *Service) Unpause(ctx context.Context, caller auth.Caller) error {
	if !caller.IsComplianceOfficer() {
		return ErrNotOfficer
	}
	return s.repo.SetPaused(ctx, false)
}

func (s *Service) guardWrite(ctx context.Context) error {
	paused, err := s.repo.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return ErrPaused
	}
	return nil
}
