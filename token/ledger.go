package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Ledger is a Postgres-backed fungible-token ledger with the usual
// transfer/transferFrom/approve/balanceOf surface. Escrow transitions call the
// Tx variants so fund movement commits or rolls back with the owning record's
// state change.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Register adds a token to the registry. Whitelisting for escrow use is a
// separate, admin-gated step.
func (l *Ledger) Register(ctx context.Context, address, symbol string) (Info, error) {
	if address == "" {
		return Info{}, fmt.Errorf("token: address required")
	}
	if symbol == "" {
		return Info{}, fmt.Errorf("token: symbol required")
	}

	const query = `
		INSERT INTO tokens (address, symbol)
		VALUES ($1, $2)
		RETURNING address, symbol, whitelisted, created_at
	`
	var info Info
	err := l.pool.QueryRow(ctx, query, address, symbol).
		Scan(&info.Address, &info.Symbol, &info.Whitelisted, &info.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Info{}, ErrDuplicateToken
		}
		return Info{}, fmt.Errorf("token: register: %w", err)
	}
	return info, nil
}

// Get returns registry info for a token address.
func (l *Ledger) Get(ctx context.Context, address string) (Info, error) {
	const query = `SELECT address, symbol, whitelisted, created_at FROM tokens WHERE address = $1`
	var info Info
	err := l.pool.QueryRow(ctx, query, address).
		Scan(&info.Address, &info.Symbol, &info.Whitelisted, &info.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Info{}, ErrUnknownToken
		}
		return Info{}, fmt.Errorf("token: get: %w", err)
	}
	return info, nil
}

// Mint credits freshly issued units to a holder. Used by deployment seeding
// and the test harness; there is no burn path.
func (l *Ledger) Mint(ctx context.Context, tokenAddr, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token: begin mint: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureToken(ctx, tx, tokenAddr); err != nil {
		return err
	}
	if err := credit(ctx, tx, tokenAddr, to, amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("token: commit mint: %w", err)
	}
	return nil
}

// Approve sets the spender allowance to exactly amount, replacing any prior value.
func (l *Ledger) Approve(ctx context.Context, tokenAddr, owner, spender string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token: begin approve: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureToken(ctx, tx, tokenAddr); err != nil {
		return err
	}

	const query = `
		INSERT INTO token_allowances (token, owner, spender, amount)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (token, owner, spender) DO UPDATE SET amount = EXCLUDED.amount
	`
	if _, err := tx.Exec(ctx, query, tokenAddr, owner, spender, amount.String()); err != nil {
		return fmt.Errorf("token: approve: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("token: commit approve: %w", err)
	}
	return nil
}

// BalanceOf reports the holder's balance; absent rows read as zero.
func (l *Ledger) BalanceOf(ctx context.Context, tokenAddr, holder string) (decimal.Decimal, error) {
	const query = `
		SELECT COALESCE(
			(SELECT balance::text FROM token_balances WHERE token = $1 AND holder = $2),
			'0')
	`
	var raw string
	if err := l.pool.QueryRow(ctx, query, tokenAddr, holder).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("token: balance of: %w", err)
	}
	return ParseAmount(raw)
}

// Allowance reports the remaining approved amount; absent rows read as zero.
func (l *Ledger) Allowance(ctx context.Context, tokenAddr, owner, spender string) (decimal.Decimal, error) {
	const query = `
		SELECT COALESCE(
			(SELECT amount::text FROM token_allowances WHERE token = $1 AND owner = $2 AND spender = $3),
			'0')
	`
	var raw string
	if err := l.pool.QueryRow(ctx, query, tokenAddr, owner, spender).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("token: allowance: %w", err)
	}
	return ParseAmount(raw)
}

// Transfer moves amount between holders in its own transaction.
func (l *Ledger) Transfer(ctx context.Context, tokenAddr, from, to string, amount decimal.Decimal) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token: begin transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.TransferTx(ctx, tx, tokenAddr, from, to, amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("token: commit transfer: %w", err)
	}
	return nil
}

// TransferTx moves amount between holders inside the caller's transaction.
// Both balance rows are locked in holder order so concurrent opposing
// transfers cannot deadlock.
func (l *Ledger) TransferTx(ctx context.Context, tx pgx.Tx, tokenAddr, from, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if from == "" || to == "" {
		return fmt.Errorf("token: holder addresses required")
	}

	if err := ensureToken(ctx, tx, tokenAddr); err != nil {
		return err
	}

	const lockSQL = `
		SELECT holder, balance::text
		FROM token_balances
		WHERE token = $1 AND holder IN ($2, $3)
		ORDER BY holder
		FOR UPDATE
	`
	rows, err := tx.Query(ctx, lockSQL, tokenAddr, from, to)
	if err != nil {
		return fmt.Errorf("token: lock balances: %w", err)
	}
	available := decimal.Zero
	found := false
	for rows.Next() {
		var holder, raw string
		if err := rows.Scan(&holder, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("token: scan balance: %w", err)
		}
		if holder == from {
			found = true
			if available, err = ParseAmount(raw); err != nil {
				rows.Close()
				return err
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("token: iterate balances: %w", err)
	}

	if !found || available.LessThan(amount) {
		return ErrInsufficientBalance
	}

	const debitSQL = `
		UPDATE token_balances
		SET balance = balance - $3::numeric
		WHERE token = $1 AND holder = $2
	`
	if _, err := tx.Exec(ctx, debitSQL, tokenAddr, from, amount.String()); err != nil {
		return fmt.Errorf("token: debit %s: %w", from, err)
	}

	return credit(ctx, tx, tokenAddr, to, amount)
}

// TransferFromTx spends the owner's allowance granted to spender and moves the
// funds to the destination, all inside the caller's transaction.
func (l *Ledger) TransferFromTx(ctx context.Context, tx pgx.Tx, tokenAddr, owner, spender, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	const lockSQL = `
		SELECT amount::text
		FROM token_allowances
		WHERE token = $1 AND owner = $2 AND spender = $3
		FOR UPDATE
	`
	var raw string
	err := tx.QueryRow(ctx, lockSQL, tokenAddr, owner, spender).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsufficientAllowance
		}
		return fmt.Errorf("token: lock allowance: %w", err)
	}
	allowance, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	if allowance.LessThan(amount) {
		return ErrInsufficientAllowance
	}

	const spendSQL = `
		UPDATE token_allowances
		SET amount = amount - $4::numeric
		WHERE token = $1 AND owner = $2 AND spender = $3
	`
	if _, err := tx.Exec(ctx, spendSQL, tokenAddr, owner, spender, amount.String()); err != nil {
		return fmt.Errorf("token: spend allowance: %w", err)
	}

	return l.TransferTx(ctx, tx, tokenAddr, owner, to, amount)
}

func ensureToken(ctx context.Context, tx pgx.Tx, tokenAddr string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tokens WHERE address = $1)`, tokenAddr).Scan(&exists); err != nil {
		return fmt.Errorf("token: check registry: %w", err)
	}
	if !exists {
		return ErrUnknownToken
	}
	return nil
}

func credit(ctx context.Context, tx pgx.Tx, tokenAddr, holder string, amount decimal.Decimal) error {
	const query = `
		INSERT INTO token_balances (token, holder, balance)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (token, holder) DO UPDATE SET balance = token_balances.balance + EXCLUDED.balance
	`
	if _, err := tx.Exec(ctx, query, tokenAddr, holder, amount.String()); err != nil {
		return fmt.Errorf("token: credit %s: %w", holder, err)
	}
	return nil
}
