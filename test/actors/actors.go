package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/token"
)

// Env bundles the shared fixtures every actor works against. Actors call the
// real service layer so the stress run exercises the same code paths as the
// API; invariant checking is left to the oracles.
type Env struct {
	Pool      *pgxpool.Pool
	Factory   *escrow.Factory
	Lifecycle *escrow.Service
	Ledger    *token.Ledger

	Token   string
	Deposit decimal.Decimal

	Buyer   auth.Caller
	Seller  auth.Caller
	Agent   auth.Caller
	Arbiter auth.Caller
	Admin   auth.Caller
}

// Creator opens new escrows and grants the buyer's allowance so a Depositor
// can fund them. Creation failures are expected while the platform is paused.
func Creator(ctx context.Context, env Env, stop <-chan struct{}) error {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		n++
		deadline := time.Now().Add(time.Hour)
		rec, err := env.Factory.CreateEscrow(ctx, env.Buyer, escrow.CreateParams{
			Buyer:           env.Buyer.Address,
			Seller:          env.Seller.Address,
			Agent:           env.Agent.Address,
			Arbiter:         env.Arbiter.Address,
			Token:           env.Token,
			DepositAmount:   env.Deposit,
			DepositDeadline: deadline,
			PropertyID:      fmt.Sprintf("PROP-%d-%d", rand.Int63(), n),
		})
		if err == nil {
			_ = env.Ledger.Approve(ctx, env.Token, env.Buyer.Address, rec.Account(), rec.DepositAmount)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Depositor funds created escrows as the buyer. Races with other depositors
// and the refunder resolve through the row lock; losers see state errors.
func Depositor(ctx context.Context, env Env, stop <-chan struct{}) error {
	return transitionLoop(ctx, stop, env.Pool, escrow.StatusCreated, 20, func(id int64) {
		_, _ = env.Lifecycle.DepositFunds(ctx, env.Buyer, id)
	})
}

// Verifier completes verification on funded escrows as the agent.
func Verifier(ctx context.Context, env Env, stop <-chan struct{}) error {
	return transitionLoop(ctx, stop, env.Pool, escrow.StatusFunded, 20, func(id int64) {
		_, _ = env.Lifecycle.CompleteVerification(ctx, env.Agent, id)
	})
}

// Approver hands out approvals from a random party, racing the double-approval
// guard on purpose.
func Approver(ctx context.Context, env Env, stop <-chan struct{}) error {
	parties := []auth.Caller{env.Buyer, env.Seller, env.Agent}
	return transitionLoop(ctx, stop, env.Pool, escrow.StatusVerified, 15, func(id int64) {
		_, _ = env.Lifecycle.GiveApproval(ctx, parties[rand.Intn(len(parties))], id)
	})
}

// Releaser attempts seller releases on verified escrows, most of which fail
// until the Approver has collected every sign-off.
func Releaser(ctx context.Context, env Env, stop <-chan struct{}) error {
	return transitionLoop(ctx, stop, env.Pool, escrow.StatusVerified, 30, func(id int64) {
		_, _ = env.Lifecycle.ReleaseFunds(ctx, env.Seller, id)
	})
}

// Disputer occasionally freezes an in-flight escrow, racing releases and
// refunds for the same row.
func Disputer(ctx context.Context, env Env, stop <-chan struct{}) error {
	statuses := []escrow.Status{escrow.StatusCreated, escrow.StatusFunded, escrow.StatusVerified}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, ok := randomEscrow(ctx, env.Pool, statuses[rand.Intn(len(statuses))]); ok && rand.Intn(4) == 0 {
			_, _ = env.Lifecycle.RaiseDispute(ctx, env.Buyer, id, "stress: deliverable contested")
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// Resolver settles disputes as the arbiter with a random ruling.
func Resolver(ctx context.Context, env Env, stop <-chan struct{}) error {
	return transitionLoop(ctx, stop, env.Pool, escrow.StatusDisputed, 80, func(id int64) {
		_, _ = env.Lifecycle.ResolveDispute(ctx, env.Arbiter, id, rand.Intn(2) == 0, "stress: arbiter ruling")
	})
}

// Refunder runs the admin escape hatch against a slice of live escrows.
func Refunder(ctx context.Context, env Env, stop <-chan struct{}) error {
	statuses := []escrow.Status{escrow.StatusCreated, escrow.StatusFunded, escrow.StatusVerified}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, ok := randomEscrow(ctx, env.Pool, statuses[rand.Intn(len(statuses))]); ok && rand.Intn(6) == 0 {
			_, _ = env.Lifecycle.RefundBuyer(ctx, env.Admin, id)
		}
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}

// Admin churns the platform config: fee updates within the cap and short
// pause/unpause windows so every other actor hits the pause gate.
func Admin(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		switch rand.Intn(4) {
		case 0:
			_ = env.Factory.SetPlatformFee(ctx, env.Admin, int32(rand.Intn(int(escrow.MaxFeeBps)+1)))
		case 1:
			_ = env.Factory.SetAgentFee(ctx, env.Admin, int32(rand.Intn(int(escrow.MaxFeeBps)+1)))
		case 2:
			if err := env.Factory.Pause(ctx, env.Admin); err == nil {
				time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
				_ = env.Factory.Unpause(ctx, env.Admin)
			}
		default:
			// leave the config alone this round
		}
		time.Sleep(time.Duration(300+rand.Intn(300)) * time.Millisecond)
	}
}

// OutboxWorker drains pending outbox messages with SKIP LOCKED, simulating
// random delivery failures that bump the attempt counter.
func OutboxWorker(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := env.Pool.Begin(ctx)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='delivered', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// transitionLoop picks a random escrow in the given status and fires the
// transition. Service-level rejections are expected under contention; only
// invariant breaks matter, and the oracles catch those.
func transitionLoop(ctx context.Context, stop <-chan struct{}, pool *pgxpool.Pool, status escrow.Status, baseSleep int, fire func(id int64)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, ok := randomEscrow(ctx, pool, status); ok {
			fire(id)
		}
		time.Sleep(time.Duration(baseSleep+rand.Intn(2*baseSleep)) * time.Millisecond)
	}
}

func randomEscrow(ctx context.Context, pool *pgxpool.Pool, status escrow.Status) (int64, bool) {
	var id int64
	err := pool.QueryRow(ctx,
		`SELECT id FROM escrows WHERE status = $1::escrow_status ORDER BY random() LIMIT 1`,
		string(status)).Scan(&id)
	if err != nil {
		// no candidate, or a transient failure under chaos; the next pick retries
		return 0, false
	}
	return id, true
}
