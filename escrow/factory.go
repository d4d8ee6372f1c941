package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
)

// ComplianceChecker is the slice of the compliance registry the factory and
// the lifecycle service consult before honoring calls.
type ComplianceChecker interface {
	ValidateTransaction(ctx context.Context, from, to string, amount decimal.Decimal) (bool, string, error)
}

// Factory validates creation parameters, assigns defaults, and owns the
// platform-wide configuration: token whitelist, fees, default roles, pause.
type Factory struct {
	pool       *pgxpool.Pool
	compliance ComplianceChecker
	now        func() time.Time
}

func NewFactory(pool *pgxpool.Pool, compliance ComplianceChecker) *Factory {
	return &Factory{
		pool:       pool,
		compliance: compliance,
		now:        time.Now,
	}
}

// CreateEscrow validates params in order of specificity, fills agent/arbiter
// from factory defaults, snapshots the current fees onto the record, and
// stores it with its creation event in one transaction.
func (f *Factory) CreateEscrow(ctx context.Context, caller auth.Caller, params CreateParams) (Record, error) {
	if err := validateCreateParams(params, f.now()); err != nil {
		return Record{}, err
	}

	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := loadConfig(ctx, tx)
	if err != nil {
		return Record{}, err
	}
	if cfg.Paused {
		return Record{}, ErrPaused
	}

	whitelisted, err := tokenWhitelisted(ctx, tx, params.Token)
	if err != nil {
		return Record{}, err
	}
	if !whitelisted {
		return Record{}, ErrTokenNotListed
	}

	if cfg.RequireCompliance && f.compliance != nil {
		ok, reason, err := f.compliance.ValidateTransaction(ctx, params.Buyer, params.Seller, params.DepositAmount)
		if err != nil {
			return Record{}, err
		}
		if !ok {
			return Record{}, fmt.Errorf("%w: %s", ErrCompliance, reason)
		}
	}

	agent := params.Agent
	if agent == "" {
		agent = cfg.DefaultAgent
	}
	arbiter := params.Arbiter
	if arbiter == "" {
		arbiter = cfg.DefaultArbiter
	}
	if arbiter == "" {
		return Record{}, ErrNoArbiter
	}

	var agentArg any
	if agent != "" {
		agentArg = agent
	}

	insertSQL := `
		INSERT INTO escrows
			(buyer, seller, agent, arbiter, token, deposit_amount,
			 platform_fee_bps, agent_fee_bps, deposit_deadline,
			 verification_deadline, property_id, document_hash)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12)
		RETURNING` + escrowColumns

	rec, err := scanEscrow(tx.QueryRow(ctx, insertSQL,
		params.Buyer,
		params.Seller,
		agentArg,
		arbiter,
		params.Token,
		params.DepositAmount.String(),
		cfg.PlatformFeeBps,
		cfg.AgentFeeBps,
		params.DepositDeadline,
		params.VerificationDeadline,
		params.PropertyID,
		params.DocumentHash,
	))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: insert record: %w", err)
	}

	payload := map[string]any{
		"escrow_id":   rec.ID,
		"buyer":       rec.Buyer,
		"seller":      rec.Seller,
		"token":       rec.Token,
		"amount":      rec.DepositAmount.String(),
		"property_id": rec.PropertyID,
	}
	if err := insertTimelineEvent(ctx, tx, rec.ID, EventEscrowCreated, caller.Address, payload); err != nil {
		return Record{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicEscrowCreated, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return rec, nil
}

// WhitelistToken enables or disables a token for escrow settlement. In strict
// mode, enabling an already-whitelisted token is rejected; otherwise the call
// just flips the flag.
func (f *Factory) WhitelistToken(ctx context.Context, caller auth.Caller, tokenAddr string, enabled bool) error {
	if !caller.IsAdmin() {
		return ErrNotAdmin
	}
	if tokenAddr == "" {
		return fmt.Errorf("escrow: token address required")
	}

	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin whitelist: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := loadConfig(ctx, tx)
	if err != nil {
		return err
	}

	var current bool
	err = tx.QueryRow(ctx, `SELECT whitelisted FROM tokens WHERE address = $1 FOR UPDATE`, tokenAddr).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTokenNotListed
		}
		return fmt.Errorf("escrow: read whitelist: %w", err)
	}
	if cfg.StrictWhitelist && enabled && current {
		return ErrTokenListed
	}

	if _, err := tx.Exec(ctx, `UPDATE tokens SET whitelisted = $2 WHERE address = $1`, tokenAddr, enabled); err != nil {
		return fmt.Errorf("escrow: update whitelist: %w", err)
	}

	if err := enqueueOutbox(ctx, tx, TopicTokenWhitelisted, map[string]any{
		"token":   tokenAddr,
		"enabled": enabled,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit whitelist: %w", err)
	}
	return nil
}

// SetPlatformFee updates the platform fee, enforcing the cap.
func (f *Factory) SetPlatformFee(ctx context.Context, caller auth.Caller, bps int32) error {
	if !caller.IsAdmin() {
		return ErrNotAdmin
	}
	if bps < 0 || bps > MaxFeeBps {
		return ErrFeeTooHigh
	}
	return f.updateConfig(ctx, `UPDATE platform_config SET platform_fee_bps = $1, updated_at = now()`,
		TopicPlatformFeeSet, map[string]any{"platform_fee_bps": bps}, bps)
}

// SetAgentFee updates the default agent fee, enforcing the cap.
func (f *Factory) SetAgentFee(ctx context.Context, caller auth.Caller, bps int32) error {
	if !caller.IsAdmin() {
		return ErrNotAdmin
	}
	if bps < 0 || bps > MaxFeeBps {
		return ErrFeeTooHigh
	}
	return f.updateConfig(ctx, `UPDATE platform_config SET agent_fee_bps = $1, updated_at = now()`,
		TopicPlatformFeeSet, map[string]any{"agent_fee_bps": bps}, bps)
}

// SetDefaultAgent changes the agent assigned when creators leave it blank.
func (f *Factory) SetDefaultAgent(ctx context.Context, caller auth.Caller, address string) error {
	if !caller.IsAdmin() {
		return ErrNotAdmin
	}
	return f.updateConfig(ctx, `UPDATE platform_config SET default_agent = NULLIF($1, ''), updated_at = now()`,
		TopicDefaultAgentSet, map[string]any{"default_agent": address}, address)
}

// SetDefaultArbiter changes the arbiter assigned when creators leave it blank.
func (f *Factory) SetDefaultArbiter(ctx context.Context, caller auth.Caller, address string) error {
	if !caller.IsAdmin() {
		return ErrNotAdmin
	}
	return f.updateConfig(ctx, `UPDATE platform_config SET default_arbiter = NULLIF($1, ''), updated_at = now()`,
		TopicDefaultArbiterSet, map[string]any{"default_arbiter": address}, address)
}

// Pause blocks escrow creation and every lifecycle mutation.
func (f *Factory) Pause(ctx context.Context, caller auth.Caller) error {
	if !caller.IsAdmin() {
		return ErrNotAdmin
	}
	return f.updateConfig(ctx, `UPDATE platform_config SET paused = $1, updated_at = now()`,
		TopicPlatformPaused, map[string]any{"paused": true}, true)
}

// Unpause re-enables mutations.
func (f *Factory) Unpause(ctx context.Context, caller auth.Caller) error {
	if !caller.IsAdmin() {
		return ErrNotAdmin
	}
	return f.updateConfig(ctx, `UPDATE platform_config SET paused = $1, updated_at = now()`,
		TopicPlatformUnpaused, map[string]any{"paused": false}, false)
}

func (f *Factory) updateConfig(ctx context.Context, updateSQL, topic string, payload map[string]any, arg any) error {
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin config update: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, updateSQL, arg); err != nil {
		return fmt.Errorf("escrow: update config: %w", err)
	}
	if err := enqueueOutbox(ctx, tx, topic, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit config update: %w", err)
	}
	return nil
}

func tokenWhitelisted(ctx context.Context, tx pgx.Tx, tokenAddr string) (bool, error) {
	var whitelisted bool
	err := tx.QueryRow(ctx, `SELECT whitelisted FROM tokens WHERE address = $1`, tokenAddr).Scan(&whitelisted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("escrow: check whitelist: %w", err)
	}
	return whitelisted, nil
}
