package compliance

import (
	"errors"
	"time"
)

// RiskLevel is an ordinal AML risk tier. Prohibited participants fail every
// compliance derivation regardless of KYC state.
type RiskLevel int16

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskProhibited
)

func (r RiskLevel) Valid() bool { return r >= RiskLow && r <= RiskProhibited }

var (
	// ErrRecordExists signals a compliance record was already created for the address.
	ErrRecordExists = errors.New("compliance: record already exists")
	// ErrRecordNotFound signals no record exists for the address.
	ErrRecordNotFound = errors.New("compliance: record not found")
	// ErrEmptyAddress signals a missing participant address.
	ErrEmptyAddress = errors.New("compliance: address required")
	// ErrEmptyMetadata signals missing jurisdiction or KYC reference.
	ErrEmptyMetadata = errors.New("compliance: jurisdiction and kyc reference required")
	// ErrInvalidRiskLevel signals a risk level outside the known tiers.
	ErrInvalidRiskLevel = errors.New("compliance: invalid risk level")
	// ErrPaused signals the registry rejects writes while paused.
	ErrPaused = errors.New("compliance: registry paused")
	// ErrNotOfficer signals the caller lacks the compliance officer role.
	ErrNotOfficer = errors.New("compliance: caller is not a compliance officer")
)

// Record mirrors the compliance_records table, one row per participant address.
type Record struct {
	Address              string
	KYCVerified          bool
	RiskLevel            RiskLevel
	Jurisdiction         string
	KYCReference         string
	SanctionsCheckPassed bool
	IsPEP                bool
	LastUpdated          time.Time
	CreatedAt            time.Time
}

// Compliant derives the overall status: verified KYC, below the prohibited
// tier, and a passed sanctions check.
func (r Record) Compliant() bool {
	return r.KYCVerified && r.RiskLevel < RiskProhibited && r.SanctionsCheckPassed
}

// CreateParams carries the fields for a new compliance record.
type CreateParams struct {
	Address              string
	KYCVerified          bool
	RiskLevel            RiskLevel
	Jurisdiction         string
	KYCReference         string
	SanctionsCheckPassed bool
	IsPEP                bool
}

// UpdateParams carries the mutable fields of an existing record.
type UpdateParams struct {
	Address              string
	KYCVerified          bool
	RiskLevel            RiskLevel
	Jurisdiction         string
	KYCReference         string
	SanctionsCheckPassed bool
	IsPEP                bool
}
