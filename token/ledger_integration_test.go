package token

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// TestLedger_Integration exercises the ledger against a real PostgreSQL via
// DATABASE_URL: registration, minting, allowances, and both transfer paths.
func TestLedger_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'tokens')`).Scan(&exists); err != nil || !exists {
		t.Skip("database schema missing; apply migrations/0001_core.sql first")
	}

	nonce := time.Now().UnixNano()
	tokenAddr := fmt.Sprintf("0xtok%d", nonce)
	alice := fmt.Sprintf("0xalice%d", nonce)
	bob := fmt.Sprintf("0xbob%d", nonce)
	spender := fmt.Sprintf("0xspender%d", nonce)

	ledger := NewLedger(pool)

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM token_allowances WHERE token = $1`, tokenAddr)
		pool.Exec(ctx2, `DELETE FROM token_balances WHERE token = $1`, tokenAddr)
		pool.Exec(ctx2, `DELETE FROM tokens WHERE address = $1`, tokenAddr)
	})

	info, err := ledger.Register(ctx, tokenAddr, "TUSD")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if info.Whitelisted {
		t.Fatal("fresh tokens must not be whitelisted")
	}
	if _, err := ledger.Register(ctx, tokenAddr, "TUSD"); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}

	if err := ledger.Mint(ctx, tokenAddr, alice, decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Mint(ctx, "0xunknown", alice, decimal.NewFromInt(1)); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}

	balance, err := ledger.BalanceOf(ctx, tokenAddr, alice)
	if err != nil || balance.String() != "1000" {
		t.Fatalf("expected balance 1000, got %s err=%v", balance, err)
	}
	// Absent rows read as zero, not as an error.
	balance, err = ledger.BalanceOf(ctx, tokenAddr, bob)
	if err != nil || !balance.IsZero() {
		t.Fatalf("expected zero balance, got %s err=%v", balance, err)
	}

	if err := ledger.Transfer(ctx, tokenAddr, alice, bob, decimal.NewFromInt(300)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := ledger.Transfer(ctx, tokenAddr, alice, bob, decimal.NewFromInt(5000)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := ledger.Transfer(ctx, tokenAddr, bob, alice, decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	if err := ledger.Approve(ctx, tokenAddr, alice, spender, decimal.NewFromInt(200)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// Approve replaces, it does not accumulate.
	if err := ledger.Approve(ctx, tokenAddr, alice, spender, decimal.NewFromInt(150)); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	allowance, err := ledger.Allowance(ctx, tokenAddr, alice, spender)
	if err != nil || allowance.String() != "150" {
		t.Fatalf("expected allowance 150, got %s err=%v", allowance, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := ledger.TransferFromTx(ctx, tx, tokenAddr, alice, spender, bob, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	if err := ledger.TransferFromTx(ctx, tx, tokenAddr, alice, spender, bob, decimal.NewFromInt(100)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance after spend, got %v", err)
	}
	tx.Rollback(ctx)

	// The failed second spend rolled the whole transaction back.
	allowance, err = ledger.Allowance(ctx, tokenAddr, alice, spender)
	if err != nil || allowance.String() != "150" {
		t.Fatalf("expected allowance back at 150 after rollback, got %s err=%v", allowance, err)
	}
	balance, err = ledger.BalanceOf(ctx, tokenAddr, bob)
	if err != nil || balance.String() != "300" {
		t.Fatalf("expected bob at 300 after rollback, got %s err=%v", balance, err)
	}
}
