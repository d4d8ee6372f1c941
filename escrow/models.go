package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an escrow record. Released and cancelled
// are terminal; no mutating call succeeds afterwards.
type Status string

const (
	StatusCreated   Status = "created"
	StatusFunded    Status = "funded"
	StatusVerified  Status = "verified"
	StatusDisputed  Status = "disputed"
	StatusReleased  Status = "released"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

// Timeline event types, one per observable transition.
const (
	EventEscrowCreated         = "ESCROW_CREATED"
	EventFundsDeposited        = "FUNDS_DEPOSITED"
	EventVerificationCompleted = "VERIFICATION_COMPLETED"
	EventApprovalGiven         = "APPROVAL_GIVEN"
	EventFundsReleased         = "FUNDS_RELEASED"
	EventEscrowCancelled       = "ESCROW_CANCELLED"
	EventDisputeRaised         = "DISPUTE_RAISED"
	EventDisputeResolved       = "DISPUTE_RESOLVED"
)

// Outbox topics for downstream delivery.
const (
	TopicEscrowCreated         = "escrow.created"
	TopicEscrowFunded          = "escrow.funded"
	TopicEscrowVerified        = "escrow.verified"
	TopicEscrowApproved        = "escrow.approved"
	TopicEscrowReleased        = "escrow.released"
	TopicEscrowCancelled       = "escrow.cancelled"
	TopicEscrowDisputed        = "escrow.disputed"
	TopicEscrowDisputeResolved = "escrow.dispute_resolved"

	TopicTokenWhitelisted  = "platform.token_whitelisted"
	TopicPlatformFeeSet    = "platform.fee_updated"
	TopicDefaultAgentSet   = "platform.default_agent_set"
	TopicDefaultArbiterSet = "platform.default_arbiter_set"
	TopicPlatformPaused    = "platform.paused"
	TopicPlatformUnpaused  = "platform.unpaused"
)

// MaxFeeBps caps both the platform and the agent fee at 5%.
const MaxFeeBps = 500

var (
	ErrNotFound     = errors.New("escrow: not found")
	ErrInvalidState = errors.New("escrow: invalid escrow state")
	ErrPaused       = errors.New("escrow: platform paused")

	ErrOnlyBuyerDeposits = errors.New("escrow: only buyer can deposit")
	ErrOnlyAgentVerifies = errors.New("escrow: only agent can verify")
	ErrOnlySellerRelease = errors.New("escrow: only seller can release")
	ErrOnlyArbiter       = errors.New("escrow: only arbiter can resolve")
	ErrNotParticipant    = errors.New("escrow: not authorized to approve")
	ErrNotDisputeParty   = errors.New("escrow: not authorized to dispute")
	ErrNotAdmin          = errors.New("escrow: admin role required")
	ErrAlreadyApproved   = errors.New("escrow: already approved")

	ErrPropertyIDRequired = errors.New("escrow: property id required")
	ErrPartiesRequired    = errors.New("escrow: buyer and seller required")
	ErrSameParty          = errors.New("escrow: buyer and seller must differ")
	ErrInvalidAmount      = errors.New("escrow: deposit amount must be positive")
	ErrPastDeadline       = errors.New("escrow: deposit deadline must be in the future")
	ErrTokenNotListed     = errors.New("escrow: token not whitelisted")
	ErrTokenListed        = errors.New("escrow: token already whitelisted")
	ErrNoArbiter          = errors.New("escrow: arbiter required")
	ErrFeeTooHigh         = errors.New("escrow: fee exceeds maximum")
	ErrCompliance         = errors.New("escrow: compliance check failed")

	ErrReleaseConditions = errors.New("escrow: release conditions not met")
	ErrEmptyReason       = errors.New("escrow: dispute reason required")
	ErrEmptyResolution   = errors.New("escrow: resolution text required")
	ErrCannotRefund      = errors.New("escrow: cannot refund in current state")
)

// Record mirrors the escrows table. Agent is empty when no agent was assigned
// and no factory default existed at creation time.
type Record struct {
	ID                   int64
	Buyer                string
	Seller               string
	Agent                string
	Arbiter              string
	Token                string
	DepositAmount        decimal.Decimal
	PlatformFeeBps       int32
	AgentFeeBps          int32
	DepositDeadline      time.Time
	VerificationDeadline *time.Time
	PropertyID           string
	DocumentHash         string
	Status               Status
	FundedAt             *time.Time
	BuyerApproved        bool
	SellerApproved       bool
	AgentApproved        bool
	DisputeReason        *string
	Resolution           *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasAgent reports whether an agent participates in this escrow. Agent
// approval is only required for release when one does.
func (r Record) HasAgent() bool { return r.Agent != "" }

// Account is the ledger holder that keeps custody of the deposited funds for
// this record.
func (r Record) Account() string { return Account(r.ID) }

// Account derives the custody holder address for an escrow id.
func Account(id int64) string { return fmt.Sprintf("escrow:%d", id) }

// TimelineEvent captures an immutable business event for an escrow.
type TimelineEvent struct {
	ID        int64
	EscrowID  int64
	Seq       int
	Type      string
	Actor     *string
	Payload   []byte
	CreatedAt time.Time
}

// CreateParams enumerates the caller-supplied fields for a new escrow.
// Empty agent/arbiter fall back to the factory defaults.
type CreateParams struct {
	Buyer                string
	Seller               string
	Agent                string
	Arbiter              string
	Token                string
	DepositAmount        decimal.Decimal
	DepositDeadline      time.Time
	VerificationDeadline *time.Time
	PropertyID           string
	DocumentHash         string
}

// Config is the single-row platform configuration owned by the factory.
type Config struct {
	PlatformWallet    string
	PlatformFeeBps    int32
	AgentFeeBps       int32
	DefaultAgent      string
	DefaultArbiter    string
	Paused            bool
	StrictWhitelist   bool
	RequireCompliance bool
	UpdatedAt         time.Time
}
