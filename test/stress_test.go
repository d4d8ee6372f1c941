package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
	"escrowflow/token"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent creator/depositor pairs")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	env := mustSeed(t, ctx, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// creators and depositors racing over fresh escrows
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Creator(ctx2, env, stop) })
		g.Go(func() error { return actors.Depositor(ctx2, env, stop) })
	}

	g.Go(func() error { return actors.Verifier(ctx2, env, stop) })
	g.Go(func() error { return actors.Approver(ctx2, env, stop) })
	g.Go(func() error { return actors.Approver(ctx2, env, stop) })
	g.Go(func() error { return actors.Releaser(ctx2, env, stop) })
	g.Go(func() error { return actors.Disputer(ctx2, env, stop) })
	g.Go(func() error { return actors.Resolver(ctx2, env, stop) })
	g.Go(func() error { return actors.Refunder(ctx2, env, stop) })
	g.Go(func() error { return actors.Admin(ctx2, env, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, env, stop) })

	// chaos: kill random backends mid-flight
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

// mustSeed provisions the platform config, a whitelisted settlement token, a
// funded buyer, and the fixed cast of participants the actors play.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) actors.Env {
	t.Helper()

	nonce := rand.Int63()
	addr := func(role string) string { return fmt.Sprintf("0xstress-%s-%d", role, nonce) }

	env := actors.Env{
		Pool:    pool,
		Token:   addr("token"),
		Deposit: decimal.NewFromInt(1_000),
		Buyer:   auth.Caller{UserID: "stress-buyer", Address: addr("buyer"), Role: auth.RoleClient},
		Seller:  auth.Caller{UserID: "stress-seller", Address: addr("seller"), Role: auth.RoleClient},
		Agent:   auth.Caller{UserID: "stress-agent", Address: addr("agent"), Role: auth.RoleAgent},
		Arbiter: auth.Caller{UserID: "stress-arbiter", Address: addr("arbiter"), Role: auth.RoleArbiter},
		Admin:   auth.Caller{UserID: "stress-admin", Address: addr("admin"), Role: auth.RoleAdmin},
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO platform_config
			(singleton, platform_wallet, platform_fee_bps, agent_fee_bps, paused, strict_whitelist, require_compliance)
		VALUES (TRUE, $1, 250, 100, FALSE, TRUE, FALSE)
		ON CONFLICT (singleton) DO UPDATE SET
			platform_wallet = EXCLUDED.platform_wallet,
			platform_fee_bps = EXCLUDED.platform_fee_bps,
			agent_fee_bps = EXCLUDED.agent_fee_bps,
			paused = EXCLUDED.paused,
			strict_whitelist = EXCLUDED.strict_whitelist,
			require_compliance = EXCLUDED.require_compliance,
			updated_at = now()`, addr("platform"))
	if err != nil {
		t.Fatalf("seed platform config: %v", err)
	}

	ledger := token.NewLedger(pool)
	if _, err := ledger.Register(ctx, env.Token, "STRS"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	factory := escrow.NewFactory(pool, nil)
	if err := factory.WhitelistToken(ctx, env.Admin, env.Token, true); err != nil {
		t.Fatalf("whitelist token: %v", err)
	}

	// enough for every deposit the run can make
	if err := ledger.Mint(ctx, env.Token, env.Buyer.Address, decimal.NewFromInt(1_000_000_000)); err != nil {
		t.Fatalf("mint buyer balance: %v", err)
	}

	env.Ledger = ledger
	env.Factory = factory
	env.Lifecycle = escrow.NewService(pool, ledger, nil)
	return env
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrows", `SELECT id, status, deposit_amount, buyer_approved, seller_approved, agent_approved, funded_at FROM escrows ORDER BY id DESC LIMIT 50`},
		{"token_balances", `SELECT token, holder, balance FROM token_balances ORDER BY holder LIMIT 50`},
		{"timeline_events", `SELECT id, escrow_id, seq, type, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
