package escrow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
)

// FundMover is the slice of the token ledger the lifecycle needs. Both calls
// join the transition's transaction so custody moves atomically with status.
type FundMover interface {
	TransferTx(ctx context.Context, tx pgx.Tx, token, from, to string, amount decimal.Decimal) error
	TransferFromTx(ctx context.Context, tx pgx.Tx, token, owner, spender, to string, amount decimal.Decimal) error
}

// Service drives the escrow state machine. Every transition runs in a single
// transaction that locks the escrow row, checks authorization then state,
// finalizes the new status before moving funds, and appends the timeline
// event and outbox message.
type Service struct {
	pool       *pgxpool.Pool
	ledger     FundMover
	compliance ComplianceChecker
}

func NewService(pool *pgxpool.Pool, ledger FundMover, compliance ComplianceChecker) *Service {
	return &Service{
		pool:       pool,
		ledger:     ledger,
		compliance: compliance,
	}
}

// DepositFunds pulls the deposit from the buyer via their prior allowance and
// moves the record from created to funded.
func (s *Service) DepositFunds(ctx context.Context, caller auth.Caller, id int64) (Record, error) {
	tx, cfg, rec, err := s.begin(ctx, id)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	if caller.Address != rec.Buyer {
		return Record{}, ErrOnlyBuyerDeposits
	}
	if rec.Status != StatusCreated {
		return Record{}, ErrInvalidState
	}

	if cfg.RequireCompliance && s.compliance != nil {
		ok, reason, err := s.compliance.ValidateTransaction(ctx, rec.Buyer, rec.Seller, rec.DepositAmount)
		if err != nil {
			return Record{}, err
		}
		if !ok {
			return Record{}, fmt.Errorf("%w: %s", ErrCompliance, reason)
		}
	}

	updateSQL := `
		UPDATE escrows
		SET status = 'funded', funded_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING` + escrowColumns
	rec, err = scanEscrow(tx.QueryRow(ctx, updateSQL, id))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: mark funded: %w", err)
	}

	// Allowance or balance shortfalls surface here and roll the whole call back.
	if err := s.ledger.TransferFromTx(ctx, tx, rec.Token, rec.Buyer, rec.Account(), rec.Account(), rec.DepositAmount); err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"escrow_id": rec.ID,
		"buyer":     rec.Buyer,
		"amount":    rec.DepositAmount.String(),
	}
	if err := insertTimelineEvent(ctx, tx, rec.ID, EventFundsDeposited, caller.Address, payload); err != nil {
		return Record{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicEscrowFunded, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit deposit: %w", err)
	}
	return rec, nil
}

// CompleteVerification moves a funded record to verified. The assigned agent
// performs it; when no agent exists an admin may stand in.
func (s *Service) CompleteVerification(ctx context.Context, caller auth.Caller, id int64) (Record, error) {
	tx, _, rec, err := s.begin(ctx, id)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	if rec.HasAgent() {
		if caller.Address != rec.Agent {
			return Record{}, ErrOnlyAgentVerifies
		}
	} else if !caller.IsAdmin() {
		return Record{}, ErrOnlyAgentVerifies
	}
	if rec.Status != StatusFunded {
		return Record{}, ErrInvalidState
	}

	updateSQL := `
		UPDATE escrows
		SET status = 'verified', updated_at = now()
		WHERE id = $1
		RETURNING` + escrowColumns
	rec, err = scanEscrow(tx.QueryRow(ctx, updateSQL, id))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: mark verified: %w", err)
	}

	payload := map[string]any{"escrow_id": rec.ID, "agent": caller.Address}
	if err := insertTimelineEvent(ctx, tx, rec.ID, EventVerificationCompleted, caller.Address, payload); err != nil {
		return Record{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicEscrowVerified, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit verification: %w", err)
	}
	return rec, nil
}

// GiveApproval records the caller's one-time sign-off while verified.
func (s *Service) GiveApproval(ctx context.Context, caller auth.Caller, id int64) (Record, error) {
	tx, _, rec, err := s.begin(ctx, id)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	party, err := approvalParty(rec, caller.Address)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusVerified {
		return Record{}, ErrInvalidState
	}
	if err := recordApproval(&rec, party); err != nil {
		return Record{}, err
	}

	updateSQL := `
		UPDATE escrows
		SET buyer_approved = $2, seller_approved = $3, agent_approved = $4, updated_at = now()
		WHERE id = $1
		RETURNING` + escrowColumns
	rec, err = scanEscrow(tx.QueryRow(ctx, updateSQL, id, rec.BuyerApproved, rec.SellerApproved, rec.AgentApproved))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: record approval: %w", err)
	}

	payload := map[string]any{"escrow_id": rec.ID, "party": party, "address": caller.Address}
	if err := insertTimelineEvent(ctx, tx, rec.ID, EventApprovalGiven, caller.Address, payload); err != nil {
		return Record{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicEscrowApproved, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit approval: %w", err)
	}
	return rec, nil
}

// ReleaseFunds pays out seller, platform, and agent once every required
// approval is in. Fee remainders from integer division stay with the seller.
func (s *Service) ReleaseFunds(ctx context.Context, caller auth.Caller, id int64) (Record, error) {
	tx, cfg, rec, err := s.begin(ctx, id)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	if caller.Address != rec.Seller {
		return Record{}, ErrOnlySellerRelease
	}
	if rec.Status != StatusVerified {
		return Record{}, ErrInvalidState
	}
	if err := releaseReady(rec); err != nil {
		return Record{}, err
	}

	sellerCut, platformCut, agentCut := feeSplit(rec.DepositAmount, rec.PlatformFeeBps, rec.AgentFeeBps, rec.HasAgent())

	updateSQL := `
		UPDATE escrows
		SET status = 'released', updated_at = now()
		WHERE id = $1
		RETURNING` + escrowColumns
	rec, err = scanEscrow(tx.QueryRow(ctx, updateSQL, id))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: mark released: %w", err)
	}

	if err := s.payout(ctx, tx, rec, cfg, sellerCut, platformCut, agentCut); err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"escrow_id":     rec.ID,
		"seller_amount": sellerCut.String(),
		"platform_fee":  platformCut.String(),
		"agent_fee":     agentCut.String(),
	}
	if err := insertTimelineEvent(ctx, tx, rec.ID, EventFundsReleased, caller.Address, payload); err != nil {
		return Record{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicEscrowReleased, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit release: %w", err)
	}
	return rec, nil
}

// RaiseDispute freezes a non-terminal escrow pending arbitration.
func (s *Service) RaiseDispute(ctx context.Context, caller auth.Caller, id int64, reason string) (Record, error) {
	tx, _, rec, err := s.begin(ctx, id)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	if !canDispute(rec, caller.Address) {
		return Record{}, ErrNotDisputeParty
	}
	if rec.Status.Terminal() || rec.Status == StatusDisputed {
		return Record{}, ErrInvalidState
	}
	if reason == "" {
		return Record{}, ErrEmptyReason
	}

	updateSQL := `
		UPDATE escrows
		SET status = 'disputed', dispute_reason = $2, updated_at = now()
		WHERE id = $1
		RETURNING` + escrowColumns
	rec, err = scanEscrow(tx.QueryRow(ctx, updateSQL, id, reason))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: mark disputed: %w", err)
	}

	payload := map[string]any{"escrow_id": rec.ID, "raised_by": caller.Address, "reason": reason}
	if err := insertTimelineEvent(ctx, tx, rec.ID, EventDisputeRaised, caller.Address, payload); err != nil {
		return Record{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicEscrowDisputed, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}
	return rec, nil
}

// ResolveDispute settles a disputed escrow. Ruling for the buyer refunds the
// full deposit and cancels; ruling for the seller runs the payout path.
func (s *Service) ResolveDispute(ctx context.Context, caller auth.Caller, id int64, favorBuyer bool, resolution string) (Record, error) {
	tx, cfg, rec, err := s.begin(ctx, id)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	if caller.Address != rec.Arbiter {
		return Record{}, ErrOnlyArbiter
	}
	if rec.Status != StatusDisputed {
		return Record{}, ErrInvalidState
	}
	if resolution == "" {
		return Record{}, ErrEmptyResolution
	}

	funded := rec.FundedAt != nil
	nextStatus := StatusReleased
	if favorBuyer {
		nextStatus = StatusCancelled
	}

	updateSQL := `
		UPDATE escrows
		SET status = $2::escrow_status, resolution = $3, updated_at = now()
		WHERE id = $1
		RETURNING` + escrowColumns
	rec, err = scanEscrow(tx.QueryRow(ctx, updateSQL, id, string(nextStatus), resolution))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: mark resolved: %w", err)
	}

	payload := map[string]any{
		"escrow_id":   rec.ID,
		"favor_buyer": favorBuyer,
		"resolution":  resolution,
	}

	if funded {
		if favorBuyer {
			if err := s.ledger.TransferTx(ctx, tx, rec.Token, rec.Account(), rec.Buyer, rec.DepositAmount); err != nil {
				return Record{}, err
			}
			payload["refund_amount"] = rec.DepositAmount.String()
		} else {
			sellerCut, platformCut, agentCut := feeSplit(rec.DepositAmount, rec.PlatformFeeBps, rec.AgentFeeBps, rec.HasAgent())
			if err := s.payout(ctx, tx, rec, cfg, sellerCut, platformCut, agentCut); err != nil {
				return Record{}, err
			}
			payload["seller_amount"] = sellerCut.String()
			payload["platform_fee"] = platformCut.String()
			payload["agent_fee"] = agentCut.String()
		}
	}

	if err := insertTimelineEvent(ctx, tx, rec.ID, EventDisputeResolved, caller.Address, payload); err != nil {
		return Record{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicEscrowDisputeResolved, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit resolution: %w", err)
	}
	return rec, nil
}

// RefundBuyer is the administrative escape hatch, typically used after a
// deadline lapses. Held funds go back to the buyer in full.
func (s *Service) RefundBuyer(ctx context.Context, caller auth.Caller, id int64) (Record, error) {
	tx, _, rec, err := s.begin(ctx, id)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	if !caller.IsAdmin() {
		return Record{}, ErrNotAdmin
	}
	if rec.Status.Terminal() {
		return Record{}, ErrCannotRefund
	}

	refunding := rec.FundedAt != nil

	updateSQL := `
		UPDATE escrows
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1
		RETURNING` + escrowColumns
	rec, err = scanEscrow(tx.QueryRow(ctx, updateSQL, id))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: mark cancelled: %w", err)
	}

	payload := map[string]any{"escrow_id": rec.ID, "cancelled_by": caller.Address}
	if refunding {
		if err := s.ledger.TransferTx(ctx, tx, rec.Token, rec.Account(), rec.Buyer, rec.DepositAmount); err != nil {
			return Record{}, err
		}
		payload["refund_amount"] = rec.DepositAmount.String()
	}

	if err := insertTimelineEvent(ctx, tx, rec.ID, EventEscrowCancelled, caller.Address, payload); err != nil {
		return Record{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicEscrowCancelled, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit refund: %w", err)
	}
	return rec, nil
}

func (s *Service) payout(ctx context.Context, tx pgx.Tx, rec Record, cfg Config, sellerCut, platformCut, agentCut decimal.Decimal) error {
	if sellerCut.IsPositive() {
		if err := s.ledger.TransferTx(ctx, tx, rec.Token, rec.Account(), rec.Seller, sellerCut); err != nil {
			return err
		}
	}
	if platformCut.IsPositive() {
		if err := s.ledger.TransferTx(ctx, tx, rec.Token, rec.Account(), cfg.PlatformWallet, platformCut); err != nil {
			return err
		}
	}
	if agentCut.IsPositive() {
		if err := s.ledger.TransferTx(ctx, tx, rec.Token, rec.Account(), rec.Agent, agentCut); err != nil {
			return err
		}
	}
	return nil
}

// begin opens the transition transaction, rejects calls while paused, and
// locks the escrow row. Callers own the returned transaction.
func (s *Service) begin(ctx context.Context, id int64) (pgx.Tx, Config, Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, Config{}, Record{}, fmt.Errorf("escrow: begin transition: %w", err)
	}

	cfg, err := loadConfig(ctx, tx)
	if err != nil {
		tx.Rollback(ctx)
		return nil, Config{}, Record{}, err
	}
	if cfg.Paused {
		tx.Rollback(ctx)
		return nil, Config{}, Record{}, ErrPaused
	}

	rec, err := lockEscrow(ctx, tx, id)
	if err != nil {
		tx.Rollback(ctx)
		return nil, Config{}, Record{}, err
	}

	return tx, cfg, rec, nil
}
