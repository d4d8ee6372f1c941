package escrow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Publisher delivers an outbox message to the downstream transport. Delivery
// runs outside the enqueueing transaction; the dispatcher retries on failure.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LogPublisher writes messages to the process log. It stands in until a real
// broker is attached.
type LogPublisher struct {
	Logger *log.Logger
}

func (p LogPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.Logger != nil {
		p.Logger.Printf("outbox %s %s", topic, payload)
	}
	return nil
}

// Dispatcher drains the transactional outbox. Claims use SKIP LOCKED so
// multiple dispatchers can run side by side without double delivery.
type Dispatcher struct {
	pool      *pgxpool.Pool
	publisher Publisher
	logger    *log.Logger
	batchSize int
	interval  time.Duration
}

func NewDispatcher(pool *pgxpool.Pool, publisher Publisher, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		pool:      pool,
		publisher: publisher,
		logger:    logger,
		batchSize: 50,
		interval:  time.Second,
	}
}

// Run polls until the context is cancelled. Errors are returned only for
// context cancellation; delivery failures are recorded on the row and
// retried, and batch-level failures are logged so a dead drain is visible.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if d.logger != nil {
					d.logger.Printf("escrow: outbox dispatch: %v", err)
				}
			}
		}
	}
}

// DispatchOnce claims one batch of pending messages and attempts delivery,
// returning the number delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin dispatch: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id, topic, payload
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, claimSQL, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("escrow: claim outbox: %w", err)
	}

	type message struct {
		id      uuid.UUID
		topic   string
		payload []byte
	}
	batch := make([]message, 0, d.batchSize)
	for rows.Next() {
		var m message
		if err := rows.Scan(&m.id, &m.topic, &m.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("escrow: scan outbox row: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("escrow: iterate outbox: %w", err)
	}

	delivered := 0
	for _, m := range batch {
		if err := d.publisher.Publish(ctx, m.topic, m.payload); err != nil {
			if _, uerr := tx.Exec(ctx, `
				UPDATE outbox SET attempts = attempts + 1, last_attempt = now()
				WHERE id = $1`, m.id); uerr != nil {
				return delivered, fmt.Errorf("escrow: record outbox attempt: %w", uerr)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET status = 'delivered', attempts = attempts + 1, last_attempt = now()
			WHERE id = $1`, m.id); err != nil {
			return delivered, fmt.Errorf("escrow: mark outbox delivered: %w", err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("escrow: commit dispatch: %w", err)
	}
	return delivered, nil
}
