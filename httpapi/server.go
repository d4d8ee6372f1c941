package httpapi

import (
	"context"
	"log"

	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/compliance"
	"escrowflow/escrow"
	"escrowflow/metrics"
	"escrowflow/token"
)

// Authenticator is the slice of the auth service the transport needs. The
// caller passed to Register is the zero Caller for public self-service
// signups; admin provisioning supplies the authenticated caller.
type Authenticator interface {
	Register(ctx context.Context, caller auth.Caller, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (auth.Caller, error)
}

// EscrowFactory covers creation and platform administration.
type EscrowFactory interface {
	CreateEscrow(ctx context.Context, caller auth.Caller, params escrow.CreateParams) (escrow.Record, error)
	WhitelistToken(ctx context.Context, caller auth.Caller, tokenAddr string, enabled bool) error
	SetPlatformFee(ctx context.Context, caller auth.Caller, bps int32) error
	SetAgentFee(ctx context.Context, caller auth.Caller, bps int32) error
	SetDefaultAgent(ctx context.Context, caller auth.Caller, address string) error
	SetDefaultArbiter(ctx context.Context, caller auth.Caller, address string) error
	Pause(ctx context.Context, caller auth.Caller) error
	Unpause(ctx context.Context, caller auth.Caller) error
}

// EscrowLifecycle covers the per-record state transitions.
type EscrowLifecycle interface {
	DepositFunds(ctx context.Context, caller auth.Caller, id int64) (escrow.Record, error)
	CompleteVerification(ctx context.Context, caller auth.Caller, id int64) (escrow.Record, error)
	GiveApproval(ctx context.Context, caller auth.Caller, id int64) (escrow.Record, error)
	ReleaseFunds(ctx context.Context, caller auth.Caller, id int64) (escrow.Record, error)
	RaiseDispute(ctx context.Context, caller auth.Caller, id int64, reason string) (escrow.Record, error)
	ResolveDispute(ctx context.Context, caller auth.Caller, id int64, favorBuyer bool, resolution string) (escrow.Record, error)
	RefundBuyer(ctx context.Context, caller auth.Caller, id int64) (escrow.Record, error)
}

// EscrowReader covers the read-only views.
type EscrowReader interface {
	Get(ctx context.Context, id int64) (escrow.Record, error)
	List(ctx context.Context, filters escrow.ListFilters) ([]escrow.Record, error)
	CanRelease(ctx context.Context, id int64) (bool, error)
	Events(ctx context.Context, id int64) ([]escrow.TimelineEvent, error)
	Config(ctx context.Context) (escrow.Config, error)
}

// ComplianceRegistry covers registry writes, reads, and derivations.
type ComplianceRegistry interface {
	CreateRecord(ctx context.Context, caller auth.Caller, params compliance.CreateParams) (compliance.Record, error)
	UpdateRecord(ctx context.Context, caller auth.Caller, params compliance.UpdateParams) (compliance.Record, error)
	GetRecord(ctx context.Context, address string) (compliance.Record, error)
	HasComplianceRecord(ctx context.Context, address string) (bool, error)
	IsCompliant(ctx context.Context, address string) (bool, error)
	IsKYCVerified(ctx context.Context, address string) (bool, error)
	IsHighRiskUser(ctx context.Context, address string) (bool, error)
	ValidateTransaction(ctx context.Context, from, to string, amount decimal.Decimal) (bool, string, error)
	Pause(ctx context.Context, caller auth.Caller) error
	Unpause(ctx context.Context, caller auth.Caller) error
}

// TokenLedger covers the token surface exposed over HTTP.
type TokenLedger interface {
	Register(ctx context.Context, address, symbol string) (token.Info, error)
	Get(ctx context.Context, address string) (token.Info, error)
	Mint(ctx context.Context, tokenAddr, to string, amount decimal.Decimal) error
	Approve(ctx context.Context, tokenAddr, owner, spender string, amount decimal.Decimal) error
	BalanceOf(ctx context.Context, tokenAddr, holder string) (decimal.Decimal, error)
	Allowance(ctx context.Context, tokenAddr, owner, spender string) (decimal.Decimal, error)
}

// Server is the thin HTTP layer; business rules live in the services.
type Server struct {
	authService Authenticator
	factory     EscrowFactory
	lifecycle   EscrowLifecycle
	escrows     EscrowReader
	compliance  ComplianceRegistry
	ledger      TokenLedger
	metrics     *metrics.Metrics
	logger      *log.Logger
}

func NewServer(
	authService Authenticator,
	factory EscrowFactory,
	lifecycle EscrowLifecycle,
	escrows EscrowReader,
	registry ComplianceRegistry,
	ledger TokenLedger,
	m *metrics.Metrics,
	logger *log.Logger,
) *Server {
	return &Server{
		authService: authService,
		factory:     factory,
		lifecycle:   lifecycle,
		escrows:     escrows,
		compliance:  registry,
		ledger:      ledger,
		metrics:     m,
		logger:      logger,
	}
}
