package escrow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/compliance"
	"escrowflow/token"
)

// TestEscrowLifecycle_Integration connects to a real PostgreSQL via DATABASE_URL
// and drives an escrow from creation through release, checking custody at each
// step, then exercises the dispute and refund paths on separate records.
func TestEscrowLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"escrows", "timeline_events", "outbox", "tokens", "token_balances", "platform_config"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skip("database schema missing; apply migrations/0001_core.sql first")
		}
	}

	nonce := time.Now().UnixNano()
	var (
		tokenAddr      = fmt.Sprintf("0xtoken%d", nonce)
		buyer          = fmt.Sprintf("0xbuyer%d", nonce)
		seller         = fmt.Sprintf("0xseller%d", nonce)
		agent          = fmt.Sprintf("0xagent%d", nonce)
		arbiter        = fmt.Sprintf("0xarbiter%d", nonce)
		platformWallet = fmt.Sprintf("0xplatform%d", nonce)
	)

	// Singleton config: 2.5% platform fee, no agent fee, compliance off so the
	// test does not depend on registry contents.
	_, err = pool.Exec(ctx, `
		INSERT INTO platform_config
			(platform_wallet, platform_fee_bps, agent_fee_bps, paused, strict_whitelist, require_compliance)
		VALUES ($1, 250, 0, FALSE, TRUE, FALSE)
		ON CONFLICT (singleton) DO UPDATE SET
			platform_wallet = EXCLUDED.platform_wallet,
			platform_fee_bps = EXCLUDED.platform_fee_bps,
			agent_fee_bps = EXCLUDED.agent_fee_bps,
			paused = EXCLUDED.paused,
			strict_whitelist = EXCLUDED.strict_whitelist,
			require_compliance = EXCLUDED.require_compliance,
			updated_at = now()
	`, platformWallet)
	if err != nil {
		t.Fatalf("seed platform config: %v", err)
	}

	ledger := token.NewLedger(pool)
	factory := NewFactory(pool, nil)
	svc := NewService(pool, ledger, nil)
	repo := NewRepository(pool)

	adminCaller := auth.Caller{Address: fmt.Sprintf("0xadmin%d", nonce), Role: auth.RoleAdmin}
	buyerCaller := auth.Caller{Address: buyer, Role: auth.RoleClient}
	sellerCaller := auth.Caller{Address: seller, Role: auth.RoleClient}
	agentCaller := auth.Caller{Address: agent, Role: auth.RoleAgent}
	arbiterCaller := auth.Caller{Address: arbiter, Role: auth.RoleArbiter}

	if _, err := ledger.Register(ctx, tokenAddr, "TUSD"); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := ledger.Mint(ctx, tokenAddr, buyer, decimal.NewFromInt(5000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	params := CreateParams{
		Buyer:           buyer,
		Seller:          seller,
		Agent:           agent,
		Arbiter:         arbiter,
		Token:           tokenAddr,
		DepositAmount:   decimal.NewFromInt(1000),
		DepositDeadline: time.Now().Add(48 * time.Hour),
		PropertyID:      fmt.Sprintf("prop-%d", nonce),
	}

	// Creation against an unlisted token must fail before anything is stored.
	if _, err := factory.CreateEscrow(ctx, buyerCaller, params); !errors.Is(err, ErrTokenNotListed) {
		t.Fatalf("expected ErrTokenNotListed before whitelisting, got %v", err)
	}
	if err := factory.WhitelistToken(ctx, adminCaller, tokenAddr, true); err != nil {
		t.Fatalf("whitelist token: %v", err)
	}
	if err := factory.WhitelistToken(ctx, buyerCaller, tokenAddr, true); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin for non-admin whitelist, got %v", err)
	}

	past := params
	past.DepositDeadline = time.Now().Add(-time.Hour)
	if _, err := factory.CreateEscrow(ctx, buyerCaller, past); !errors.Is(err, ErrPastDeadline) {
		t.Fatalf("expected ErrPastDeadline, got %v", err)
	}

	rec, err := factory.CreateEscrow(ctx, buyerCaller, params)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if rec.Status != StatusCreated {
		t.Fatalf("expected created status, got %s", rec.Status)
	}
	if rec.PlatformFeeBps != 250 || rec.AgentFeeBps != 0 {
		t.Fatalf("fee snapshot mismatch: platform=%d agent=%d", rec.PlatformFeeBps, rec.AgentFeeBps)
	}

	t.Cleanup(func() {
		// Escrow rows are append-only (delete trigger); unique per-run addresses
		// keep leftovers inert. Drain only the queues.
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE escrow_id >= $1`, rec.ID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'token' = $1 OR (payload->>'escrow_id')::bigint >= $2`, tokenAddr, rec.ID)
	})

	// Deposit requires a prior allowance for the custody account.
	if _, err := svc.DepositFunds(ctx, buyerCaller, rec.ID); !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("expected allowance failure, got %v", err)
	}
	if err := ledger.Approve(ctx, tokenAddr, buyer, rec.Account(), decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.DepositFunds(ctx, sellerCaller, rec.ID); !errors.Is(err, ErrOnlyBuyerDeposits) {
		t.Fatalf("expected ErrOnlyBuyerDeposits, got %v", err)
	}

	rec, err = svc.DepositFunds(ctx, buyerCaller, rec.ID)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if rec.Status != StatusFunded || rec.FundedAt == nil {
		t.Fatalf("expected funded with funded_at set, got status=%s funded_at=%v", rec.Status, rec.FundedAt)
	}
	assertBalance(ctx, t, ledger, tokenAddr, rec.Account(), "1000")
	assertBalance(ctx, t, ledger, tokenAddr, buyer, "4000")

	if _, err := svc.DepositFunds(ctx, buyerCaller, rec.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double deposit, got %v", err)
	}

	// Verification belongs to the assigned agent.
	if _, err := svc.CompleteVerification(ctx, sellerCaller, rec.ID); !errors.Is(err, ErrOnlyAgentVerifies) {
		t.Fatalf("expected ErrOnlyAgentVerifies, got %v", err)
	}
	rec, err = svc.CompleteVerification(ctx, agentCaller, rec.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec.Status != StatusVerified {
		t.Fatalf("expected verified, got %s", rec.Status)
	}

	// Release is blocked until every required approval is in.
	if _, err := svc.ReleaseFunds(ctx, sellerCaller, rec.ID); !errors.Is(err, ErrReleaseConditions) {
		t.Fatalf("expected ErrReleaseConditions, got %v", err)
	}
	for _, caller := range []auth.Caller{buyerCaller, sellerCaller, agentCaller} {
		if _, err := svc.GiveApproval(ctx, caller, rec.ID); err != nil {
			t.Fatalf("approve as %s: %v", caller.Address, err)
		}
	}
	if _, err := svc.GiveApproval(ctx, buyerCaller, rec.ID); !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("expected ErrAlreadyApproved, got %v", err)
	}
	if ok, err := repo.CanRelease(ctx, rec.ID); err != nil || !ok {
		t.Fatalf("expected releasable, got ok=%v err=%v", ok, err)
	}

	if _, err := svc.ReleaseFunds(ctx, buyerCaller, rec.ID); !errors.Is(err, ErrOnlySellerRelease) {
		t.Fatalf("expected ErrOnlySellerRelease, got %v", err)
	}
	rec, err = svc.ReleaseFunds(ctx, sellerCaller, rec.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rec.Status != StatusReleased {
		t.Fatalf("expected released, got %s", rec.Status)
	}

	// 2.5% of 1000 to the platform, remainder to the seller, custody drained.
	assertBalance(ctx, t, ledger, tokenAddr, seller, "975")
	assertBalance(ctx, t, ledger, tokenAddr, platformWallet, "25")
	assertBalance(ctx, t, ledger, tokenAddr, rec.Account(), "0")

	if _, err := svc.RaiseDispute(ctx, buyerCaller, rec.ID, "late"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState disputing a released escrow, got %v", err)
	}

	events, err := repo.Events(ctx, rec.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	wantEvents := []string{
		EventEscrowCreated, EventFundsDeposited, EventVerificationCompleted,
		EventApprovalGiven, EventApprovalGiven, EventApprovalGiven, EventFundsReleased,
	}
	if len(events) != len(wantEvents) {
		t.Fatalf("expected %d timeline events, got %d", len(wantEvents), len(events))
	}
	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.Type != wantEvents[i] {
			t.Fatalf("event %d: expected %s, got %s", i, wantEvents[i], ev.Type)
		}
	}

	t.Run("dispute favoring buyer refunds in full", func(t *testing.T) {
		rec2, err := factory.CreateEscrow(ctx, buyerCaller, params)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := ledger.Approve(ctx, tokenAddr, buyer, rec2.Account(), decimal.NewFromInt(1000)); err != nil {
			t.Fatalf("approve: %v", err)
		}
		if _, err := svc.DepositFunds(ctx, buyerCaller, rec2.ID); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		before, err := ledger.BalanceOf(ctx, tokenAddr, buyer)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}

		if _, err := svc.RaiseDispute(ctx, arbiterCaller, rec2.ID, "quality"); !errors.Is(err, ErrNotDisputeParty) {
			t.Fatalf("expected ErrNotDisputeParty for arbiter, got %v", err)
		}
		if _, err := svc.RaiseDispute(ctx, buyerCaller, rec2.ID, ""); !errors.Is(err, ErrEmptyReason) {
			t.Fatalf("expected ErrEmptyReason, got %v", err)
		}
		if _, err := svc.RaiseDispute(ctx, buyerCaller, rec2.ID, "property damaged"); err != nil {
			t.Fatalf("dispute: %v", err)
		}

		if _, err := svc.ResolveDispute(ctx, buyerCaller, rec2.ID, true, "refund"); !errors.Is(err, ErrOnlyArbiter) {
			t.Fatalf("expected ErrOnlyArbiter, got %v", err)
		}
		rec2, err = svc.ResolveDispute(ctx, arbiterCaller, rec2.ID, true, "buyer made whole")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if rec2.Status != StatusCancelled {
			t.Fatalf("expected cancelled, got %s", rec2.Status)
		}

		after, err := ledger.BalanceOf(ctx, tokenAddr, buyer)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if !after.Sub(before).Equal(decimal.NewFromInt(1000)) {
			t.Fatalf("expected full refund of 1000, balance moved %s", after.Sub(before))
		}
		assertBalance(ctx, t, ledger, tokenAddr, rec2.Account(), "0")
	})

	t.Run("admin refund cancels a funded escrow", func(t *testing.T) {
		rec3, err := factory.CreateEscrow(ctx, buyerCaller, params)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := ledger.Approve(ctx, tokenAddr, buyer, rec3.Account(), decimal.NewFromInt(1000)); err != nil {
			t.Fatalf("approve: %v", err)
		}
		if _, err := svc.DepositFunds(ctx, buyerCaller, rec3.ID); err != nil {
			t.Fatalf("deposit: %v", err)
		}

		if _, err := svc.RefundBuyer(ctx, buyerCaller, rec3.ID); !errors.Is(err, ErrNotAdmin) {
			t.Fatalf("expected ErrNotAdmin, got %v", err)
		}
		rec3, err = svc.RefundBuyer(ctx, adminCaller, rec3.ID)
		if err != nil {
			t.Fatalf("refund: %v", err)
		}
		if rec3.Status != StatusCancelled {
			t.Fatalf("expected cancelled, got %s", rec3.Status)
		}
		assertBalance(ctx, t, ledger, tokenAddr, rec3.Account(), "0")

		if _, err := svc.RefundBuyer(ctx, adminCaller, rec3.ID); !errors.Is(err, ErrCannotRefund) {
			t.Fatalf("expected ErrCannotRefund on terminal record, got %v", err)
		}
	})

	t.Run("pause blocks every mutation", func(t *testing.T) {
		rec4, err := factory.CreateEscrow(ctx, buyerCaller, params)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := factory.Pause(ctx, adminCaller); err != nil {
			t.Fatalf("pause: %v", err)
		}
		defer func() {
			if err := factory.Unpause(ctx, adminCaller); err != nil {
				t.Fatalf("unpause: %v", err)
			}
		}()

		if _, err := factory.CreateEscrow(ctx, buyerCaller, params); !errors.Is(err, ErrPaused) {
			t.Fatalf("expected ErrPaused on create, got %v", err)
		}
		if _, err := svc.DepositFunds(ctx, buyerCaller, rec4.ID); !errors.Is(err, ErrPaused) {
			t.Fatalf("expected ErrPaused on deposit, got %v", err)
		}
		if _, err := svc.RaiseDispute(ctx, buyerCaller, rec4.ID, "stalled"); !errors.Is(err, ErrPaused) {
			t.Fatalf("expected ErrPaused on dispute, got %v", err)
		}

		// Reads stay open while paused.
		if _, err := repo.Get(ctx, rec4.ID); err != nil {
			t.Fatalf("get while paused: %v", err)
		}
	})

	t.Run("strict whitelist rejects re-enable", func(t *testing.T) {
		// The config seeded above has strict_whitelist on and the token is
		// already enabled, so enabling again is a conflict.
		if err := factory.WhitelistToken(ctx, adminCaller, tokenAddr, true); !errors.Is(err, ErrTokenListed) {
			t.Fatalf("expected ErrTokenListed re-enabling under strict mode, got %v", err)
		}

		// Disable then enable is the supported path.
		if err := factory.WhitelistToken(ctx, adminCaller, tokenAddr, false); err != nil {
			t.Fatalf("disable token: %v", err)
		}
		if err := factory.WhitelistToken(ctx, adminCaller, tokenAddr, true); err != nil {
			t.Fatalf("re-enable after disable: %v", err)
		}

		// Unknown addresses cannot be whitelisted into existence.
		if err := factory.WhitelistToken(ctx, adminCaller, fmt.Sprintf("0xghost%d", nonce), true); !errors.Is(err, ErrTokenNotListed) {
			t.Fatalf("expected ErrTokenNotListed for unregistered token, got %v", err)
		}
	})

	t.Run("compliance gate on create and deposit", func(t *testing.T) {
		registry := compliance.NewService(compliance.NewRepository(pool))
		gatedFactory := NewFactory(pool, registry)
		gatedSvc := NewService(pool, ledger, registry)
		officer := auth.Caller{Address: fmt.Sprintf("0xofficer%d", nonce), Role: auth.RoleComplianceOfficer}

		if _, err := pool.Exec(ctx, `UPDATE platform_config SET require_compliance = TRUE, updated_at = now()`); err != nil {
			t.Fatalf("require compliance: %v", err)
		}
		defer func() {
			if _, err := pool.Exec(ctx, `UPDATE platform_config SET require_compliance = FALSE, updated_at = now()`); err != nil {
				t.Fatalf("restore compliance flag: %v", err)
			}
		}()

		if _, err := gatedFactory.CreateEscrow(ctx, buyerCaller, params); !errors.Is(err, ErrCompliance) {
			t.Fatalf("expected ErrCompliance without registry records, got %v", err)
		}

		for _, addr := range []string{buyer, seller} {
			if _, err := registry.CreateRecord(ctx, officer, compliance.CreateParams{
				Address:              addr,
				KYCVerified:          true,
				RiskLevel:            compliance.RiskLow,
				Jurisdiction:         "US",
				KYCReference:         fmt.Sprintf("kyc-%s", addr),
				SanctionsCheckPassed: true,
			}); err != nil {
				t.Fatalf("create compliance record for %s: %v", addr, err)
			}
		}

		rec5, err := gatedFactory.CreateEscrow(ctx, buyerCaller, params)
		if err != nil {
			t.Fatalf("create with compliant parties: %v", err)
		}
		if err := ledger.Approve(ctx, tokenAddr, buyer, rec5.Account(), decimal.NewFromInt(1000)); err != nil {
			t.Fatalf("approve: %v", err)
		}

		// The seller failing a sanctions re-check between create and deposit
		// blocks funding; the gate runs on both operations.
		if _, err := registry.UpdateRecord(ctx, officer, compliance.UpdateParams{
			Address:              seller,
			KYCVerified:          true,
			RiskLevel:            compliance.RiskLow,
			Jurisdiction:         "US",
			KYCReference:         fmt.Sprintf("kyc-%s", seller),
			SanctionsCheckPassed: false,
		}); err != nil {
			t.Fatalf("flag seller: %v", err)
		}
		if _, err := gatedSvc.DepositFunds(ctx, buyerCaller, rec5.ID); !errors.Is(err, ErrCompliance) {
			t.Fatalf("expected ErrCompliance on deposit with flagged seller, got %v", err)
		}

		if _, err := registry.UpdateRecord(ctx, officer, compliance.UpdateParams{
			Address:              seller,
			KYCVerified:          true,
			RiskLevel:            compliance.RiskLow,
			Jurisdiction:         "US",
			KYCReference:         fmt.Sprintf("kyc-%s", seller),
			SanctionsCheckPassed: true,
		}); err != nil {
			t.Fatalf("clear seller: %v", err)
		}
		if _, err := gatedSvc.DepositFunds(ctx, buyerCaller, rec5.ID); err != nil {
			t.Fatalf("deposit after clearing seller: %v", err)
		}
	})

	t.Run("defaults fill blank agent and arbiter", func(t *testing.T) {
		defaultAgent := fmt.Sprintf("0xhouseagent%d", nonce)
		defaultArbiter := fmt.Sprintf("0xhousearbiter%d", nonce)
		if err := factory.SetDefaultAgent(ctx, adminCaller, defaultAgent); err != nil {
			t.Fatalf("set default agent: %v", err)
		}
		if err := factory.SetDefaultArbiter(ctx, adminCaller, defaultArbiter); err != nil {
			t.Fatalf("set default arbiter: %v", err)
		}
		defer func() {
			if err := factory.SetDefaultAgent(ctx, adminCaller, ""); err != nil {
				t.Fatalf("clear default agent: %v", err)
			}
			if err := factory.SetDefaultArbiter(ctx, adminCaller, ""); err != nil {
				t.Fatalf("clear default arbiter: %v", err)
			}
		}()

		blank := params
		blank.Agent = ""
		blank.Arbiter = ""
		rec6, err := factory.CreateEscrow(ctx, buyerCaller, blank)
		if err != nil {
			t.Fatalf("create with blank roles: %v", err)
		}
		if rec6.Agent != defaultAgent {
			t.Fatalf("expected default agent %s, got %s", defaultAgent, rec6.Agent)
		}
		if rec6.Arbiter != defaultArbiter {
			t.Fatalf("expected default arbiter %s, got %s", defaultArbiter, rec6.Arbiter)
		}

		// Explicit parties always win over the defaults.
		rec7, err := factory.CreateEscrow(ctx, buyerCaller, params)
		if err != nil {
			t.Fatalf("create with explicit roles: %v", err)
		}
		if rec7.Agent != agent || rec7.Arbiter != arbiter {
			t.Fatalf("explicit roles overridden: agent=%s arbiter=%s", rec7.Agent, rec7.Arbiter)
		}
	})

	t.Run("blank arbiter with no default is rejected", func(t *testing.T) {
		blank := params
		blank.Arbiter = ""
		if _, err := factory.CreateEscrow(ctx, buyerCaller, blank); !errors.Is(err, ErrNoArbiter) {
			t.Fatalf("expected ErrNoArbiter, got %v", err)
		}
	})
}

func assertBalance(ctx context.Context, t *testing.T, ledger *token.Ledger, tokenAddr, holder, want string) {
	t.Helper()
	got, err := ledger.BalanceOf(ctx, tokenAddr, holder)
	if err != nil {
		t.Fatalf("balance of %s: %v", holder, err)
	}
	if got.String() != want {
		t.Fatalf("balance of %s: expected %s, got %s", holder, want, got)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
