package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/token"
)

const escrowColumns = `
	id, buyer, seller, COALESCE(agent, ''), arbiter, token, deposit_amount::text,
	platform_fee_bps, agent_fee_bps, deposit_deadline, verification_deadline,
	property_id, document_hash, status::text, funded_at,
	buyer_approved, seller_approved, agent_approved,
	dispute_reason, resolution, created_at, updated_at`

// Repository provides read access to escrow records plus the transactional
// helpers shared by the factory and the lifecycle service.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the full record snapshot for an id.
func (r *Repository) Get(ctx context.Context, id int64) (Record, error) {
	query := `SELECT` + escrowColumns + ` FROM escrows WHERE id = $1`
	rec, err := scanEscrow(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get: %w", err)
	}
	return rec, nil
}

// ListFilters narrows List output; zero values mean no filter.
type ListFilters struct {
	Participant string
	Status      Status
	Page        int
	PageSize    int
}

// List returns records where the participant appears in any role, newest first.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Record, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `SELECT` + escrowColumns + ` FROM escrows WHERE 1=1`
	args := []any{}
	if filters.Participant != "" {
		args = append(args, filters.Participant)
		query += fmt.Sprintf(" AND $%d IN (buyer, seller, COALESCE(agent,''), arbiter)", len(args))
	}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		query += fmt.Sprintf(" AND status = $%d::escrow_status", len(args))
	}
	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan list row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate list: %w", err)
	}
	return out, nil
}

// CanRelease reports whether releaseFunds would currently succeed for the id.
func (r *Repository) CanRelease(ctx context.Context, id int64) (bool, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Status != StatusVerified {
		return false, nil
	}
	return releaseReady(rec) == nil, nil
}

// Events returns the append-only timeline for an escrow in sequence order.
func (r *Repository) Events(ctx context.Context, id int64) ([]TimelineEvent, error) {
	const query = `
		SELECT id, escrow_id, seq, type, actor, payload, created_at
		FROM timeline_events
		WHERE escrow_id = $1
		ORDER BY seq ASC
	`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: list events: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEvent, 0, 8)
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.Seq, &ev.Type, &ev.Actor, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate events: %w", err)
	}
	return out, nil
}

// Config returns the current platform configuration.
func (r *Repository) Config(ctx context.Context) (Config, error) {
	return loadConfig(ctx, r.pool)
}

// EnsureConfig seeds the platform configuration row on first boot and keeps
// the payout wallet in sync with the deployment environment. Fees, defaults,
// and switches are left alone so admin changes survive restarts.
func (r *Repository) EnsureConfig(ctx context.Context, platformWallet string) error {
	if platformWallet == "" {
		return fmt.Errorf("escrow: platform wallet required")
	}
	const q = `
		INSERT INTO platform_config (singleton, platform_wallet, platform_fee_bps)
		VALUES (TRUE, $1, 0)
		ON CONFLICT (singleton) DO UPDATE
		SET platform_wallet = EXCLUDED.platform_wallet, updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, q, platformWallet); err != nil {
		return fmt.Errorf("escrow: ensure config: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const configColumns = `
	platform_wallet, platform_fee_bps, agent_fee_bps,
	COALESCE(default_agent, ''), COALESCE(default_arbiter, ''),
	paused, strict_whitelist, require_compliance, updated_at`

func loadConfig(ctx context.Context, q rowQuerier) (Config, error) {
	query := `SELECT` + configColumns + ` FROM platform_config`
	var cfg Config
	err := q.QueryRow(ctx, query).Scan(
		&cfg.PlatformWallet,
		&cfg.PlatformFeeBps,
		&cfg.AgentFeeBps,
		&cfg.DefaultAgent,
		&cfg.DefaultArbiter,
		&cfg.Paused,
		&cfg.StrictWhitelist,
		&cfg.RequireCompliance,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return Config{}, fmt.Errorf("escrow: load config: %w", err)
	}
	return cfg, nil
}

// lockEscrow fetches the record under a row lock so the transition executes
// serially per id.
func lockEscrow(ctx context.Context, tx pgx.Tx, id int64) (Record, error) {
	query := `SELECT` + escrowColumns + ` FROM escrows WHERE id = $1 FOR UPDATE`
	rec, err := scanEscrow(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: lock record: %w", err)
	}
	return rec, nil
}

// insertTimelineEvent appends the next sequence number for the escrow. Callers
// hold the escrow row lock, so the MAX(seq) read is race-free.
func insertTimelineEvent(ctx context.Context, tx pgx.Tx, escrowID int64, eventType, actor string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal timeline payload: %w", err)
	}
	var actorArg any
	if actor != "" {
		actorArg = actor
	}
	const q = `
		INSERT INTO timeline_events (escrow_id, seq, type, actor, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb
		FROM timeline_events
		WHERE escrow_id = $1
	`
	if _, err := tx.Exec(ctx, q, escrowID, eventType, actorArg, body); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (Record, error) {
	var (
		rec       Record
		rawAmount string
		status    string
	)
	err := row.Scan(
		&rec.ID,
		&rec.Buyer,
		&rec.Seller,
		&rec.Agent,
		&rec.Arbiter,
		&rec.Token,
		&rawAmount,
		&rec.PlatformFeeBps,
		&rec.AgentFeeBps,
		&rec.DepositDeadline,
		&rec.VerificationDeadline,
		&rec.PropertyID,
		&rec.DocumentHash,
		&status,
		&rec.FundedAt,
		&rec.BuyerApproved,
		&rec.SellerApproved,
		&rec.AgentApproved,
		&rec.DisputeReason,
		&rec.Resolution,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if rec.DepositAmount, err = token.ParseAmount(rawAmount); err != nil {
		return Record{}, err
	}
	return rec, nil
}
