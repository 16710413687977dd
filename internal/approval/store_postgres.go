// Grounded on internal/storage/cockroach.go's lib/pq + sql.Open("postgres",
// dsn) connection pattern and its prepared-statement CRUD style,
// retargeted from business-entity tables to the single approvals table
// this Store needs.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/convergio/core/internal/domain"
)

// PostgresStore persists approvals to a Postgres (or CockroachDB)
// database, so pending HITL gates survive a process restart and a
// resumed run's pause token can be verified against durable state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn and ensures the
// approvals table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("approval: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("approval: ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS approvals (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	turn_index      INTEGER NOT NULL,
	requester_agent TEXT NOT NULL,
	action          TEXT NOT NULL,
	payload         JSONB NOT NULL,
	risk_level      INTEGER NOT NULL,
	status          TEXT NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	decision_reason TEXT NOT NULL DEFAULT '',
	decider_id      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	decided_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS approvals_run_id_idx ON approvals (run_id);
CREATE INDEX IF NOT EXISTS approvals_status_idx ON approvals (status);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Put(ctx context.Context, a domain.Approval) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("approval: marshal payload: %w", err)
	}
	const q = `
INSERT INTO approvals (id, run_id, turn_index, requester_agent, action, payload, risk_level, status, expires_at, decision_reason, decider_id, created_at, decided_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = s.db.ExecContext(ctx, q,
		a.ID, a.RunID, a.TurnIndex, a.RequesterAgent, a.Action, payload, int(a.RiskLevel),
		string(a.Status), a.ExpiresAt, a.DecisionReason, a.DeciderID, a.CreatedAt, a.DecidedAt)
	if err != nil {
		return fmt.Errorf("approval: put %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Approval, bool, error) {
	const q = `
SELECT id, run_id, turn_index, requester_agent, action, payload, risk_level, status, expires_at, decision_reason, decider_id, created_at, decided_at
FROM approvals WHERE id = $1`
	a, err := scanApproval(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Approval{}, false, nil
	}
	if err != nil {
		return domain.Approval{}, false, fmt.Errorf("approval: get %s: %w", id, err)
	}
	return a, true, nil
}

func (s *PostgresStore) Update(ctx context.Context, a domain.Approval) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("approval: marshal payload: %w", err)
	}
	const q = `
UPDATE approvals SET status = $2, decision_reason = $3, decider_id = $4, decided_at = $5, payload = $6
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, a.ID, string(a.Status), a.DecisionReason, a.DeciderID, a.DecidedAt, payload)
	if err != nil {
		return fmt.Errorf("approval: update %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]domain.Approval, error) {
	q := `
SELECT id, run_id, turn_index, requester_agent, action, payload, risk_level, status, expires_at, decision_reason, decider_id, created_at, decided_at
FROM approvals WHERE 1=1`
	var args []any
	if f.RunID != "" {
		args = append(args, f.RunID)
		q += fmt.Sprintf(" AND run_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	q += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("approval: list: %w", err)
	}
	defer rows.Close()

	var out []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("approval: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (domain.Approval, error) {
	var (
		a          domain.Approval
		payload    []byte
		riskLevel  int
		status     string
		decidedAt  sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.RunID, &a.TurnIndex, &a.RequesterAgent, &a.Action, &payload,
		&riskLevel, &status, &a.ExpiresAt, &a.DecisionReason, &a.DeciderID, &a.CreatedAt, &decidedAt); err != nil {
		return domain.Approval{}, err
	}
	a.RiskLevel = domain.RiskTier(riskLevel)
	a.Status = domain.ApprovalStatus(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return domain.Approval{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return a, nil
}
