package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines the data access required by the service.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Record, error)
	Update(ctx context.Context, params UpdateParams) (Record, error)
	Get(ctx context.Context, address string) (Record, error)
	Paused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const recordColumns = `address, kyc_verified, risk_level, jurisdiction, kyc_reference,
	sanctions_check_passed, is_pep, last_updated, created_at`

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Record, error) {
	insertSQL := `
		INSERT INTO compliance_records
			(address, kyc_verified, risk_level, jurisdiction, kyc_reference, sanctions_check_passed, is_pep)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + recordColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, insertSQL,
		params.Address,
		params.KYCVerified,
		params.RiskLevel,
		params.Jurisdiction,
		params.KYCReference,
		params.SanctionsCheckPassed,
		params.IsPEP,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrRecordExists
		}
		return Record{}, fmt.Errorf("compliance: create record: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Update(ctx context.Context, params UpdateParams) (Record, error) {
	updateSQL := `
		UPDATE compliance_records
		SET kyc_verified = $2,
		    risk_level = $3,
		    jurisdiction = $4,
		    kyc_reference = $5,
		    sanctions_check_passed = $6,
		    is_pep = $7,
		    last_updated = now()
		WHERE address = $1
		RETURNING ` + recordColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, updateSQL,
		params.Address,
		params.KYCVerified,
		params.RiskLevel,
		params.Jurisdiction,
		params.KYCReference,
		params.SanctionsCheckPassed,
		params.IsPEP,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("compliance: update record: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Get(ctx context.Context, address string) (Record, error) {
	selectSQL := `SELECT ` + recordColumns + ` FROM compliance_records WHERE address = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, selectSQL, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("compliance: get record: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Paused(ctx context.Context) (bool, error) {
	var paused bool
	if err := r.pool.QueryRow(ctx, `SELECT paused FROM compliance_state`).Scan(&paused); err != nil {
		return false, fmt.Errorf("compliance: read paused: %w", err)
	}
	return paused, nil
}

func (r *PGRepository) SetPaused(ctx context.Context, paused bool) error {
	if _, err := r.pool.Exec(ctx, `UPDATE compliance_state SET paused = $1`, paused); err != nil {
		return fmt.Errorf("compliance: set paused: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.Address,
		&rec.KYCVerified,
		&rec.RiskLevel,
		&rec.Jurisdiction,
		&rec.KYCReference,
		&rec.SanctionsCheckPassed,
		&rec.IsPEP,
		&rec.LastUpdated,
		&rec.CreatedAt,
	)
	return rec, err
}
