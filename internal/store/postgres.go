package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glowpoint/terminal-payments/internal/domain"
)

const sessionColumns = `reference, provider_transaction_id, amount, tip_amount,
	description, state, status_message, poll_attempts, outcome, created_at, last_transition_at`

// Postgres archives session snapshots so outcomes survive process restarts
// and in-memory eviction. It is write-through from the engine; the live
// store remains authoritative while a session is active.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Upsert(ctx context.Context, s *domain.PaymentSession) error {
	var outcome []byte
	if s.Outcome != nil {
		b, err := json.Marshal(s.Outcome)
		if err != nil {
			return fmt.Errorf("Upsert: marshal outcome: %w", err)
		}
		outcome = b
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO payment_sessions (
			reference, provider_transaction_id, amount, tip_amount, description,
			state, status_message, poll_attempts, outcome, created_at, last_transition_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (reference) DO UPDATE SET
			provider_transaction_id = EXCLUDED.provider_transaction_id,
			state = EXCLUDED.state,
			status_message = EXCLUDED.status_message,
			poll_attempts = EXCLUDED.poll_attempts,
			outcome = EXCLUDED.outcome,
			last_transition_at = EXCLUDED.last_transition_at`,
		s.Reference, s.ProviderTransactionID, s.Amount, s.TipAmount, s.Description,
		s.State, s.StatusMessage, s.PollAttempts, outcome, s.CreatedAt, s.LastTransitionAt,
	)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

func (p *Postgres) GetByReference(ctx context.Context, reference string) (*domain.PaymentSession, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions WHERE reference = $1`, reference,
	)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByReference: %w", domain.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("GetByReference: %w", err)
	}
	return s, nil
}

func (p *Postgres) ListRecent(ctx context.Context, limit int) ([]domain.PaymentSession, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListRecent: %w", err)
	}
	defer rows.Close()

	var sessions []domain.PaymentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRecent: scan: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListRecent: rows: %w", err)
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*domain.PaymentSession, error) {
	var s domain.PaymentSession
	var outcome []byte

	err := sc.Scan(
		&s.Reference, &s.ProviderTransactionID, &s.Amount, &s.TipAmount, &s.Description,
		&s.State, &s.StatusMessage, &s.PollAttempts, &outcome, &s.CreatedAt, &s.LastTransitionAt,
	)
	if err != nil {
		return nil, err
	}

	if len(outcome) > 0 {
		var o domain.Outcome
		if err := json.Unmarshal(outcome, &o); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
		s.Outcome = &o
	}
	return &s, nil
}
