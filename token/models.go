package token

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownToken signals the token address has never been registered.
	ErrUnknownToken = errors.New("token: unknown token")
	// ErrInvalidAmount signals a zero or negative amount.
	ErrInvalidAmount = errors.New("token: amount must be positive")
	// ErrInsufficientBalance signals the holder cannot cover the transfer.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrInsufficientAllowance signals the spender was not approved for the amount.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	// ErrDuplicateToken signals the token address is already registered.
	ErrDuplicateToken = errors.New("token: already registered")
)

// Info mirrors the tokens table. Whitelisted is owned by the escrow platform
// config flow; the ledger only reads it.
type Info struct {
	Address     string
	Symbol      string
	Whitelisted bool
	CreatedAt   time.Time
}

// ParseAmount converts the textual NUMERIC representation coming back from
// Postgres into a decimal. Amounts are token smallest units, always integral.
func ParseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.New("token: malformed amount " + s)
	}
	return d, nil
}
