package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists disputes in PostgreSQL. Evaluation and resolution
// are stored as nullable JSONB documents.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a dispute store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evaluation, resolution, err := marshalDocs(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, raised_by, reason, status,
			evaluation, resolution, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::JSONB, $8, $9)`,
		d.ID, d.OrderID, d.RaisedBy, d.Reason, d.Status,
		evaluation, resolution, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

const disputeColumns = `id, order_id, raised_by, reason, status,
		evaluation::TEXT, resolution::TEXT, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (s *PostgresStore) GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 AND status IN ($2, $3, $4)
		ORDER BY created_at DESC LIMIT 1`,
		orderID, StatusOpen, StatusEvaluating, StatusEscalated)
	return scanDispute(row)
}

func (s *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	evaluation, resolution, err := marshalDocs(d)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $1, evaluation = $2::JSONB, resolution = $3::JSONB, updated_at = $4
		WHERE id = $5`,
		d.Status, evaluation, resolution, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM disputes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func marshalDocs(d *Dispute) (evaluation, resolution sql.NullString, err error) {
	if d.Evaluation != nil {
		b, err := json.Marshal(d.Evaluation)
		if err != nil {
			return evaluation, resolution, fmt.Errorf("marshal evaluation: %w", err)
		}
		evaluation = sql.NullString{String: string(b), Valid: true}
	}
	if d.Resolution != nil {
		b, err := json.Marshal(d.Resolution)
		if err != nil {
			return evaluation, resolution, fmt.Errorf("marshal resolution: %w", err)
		}
		resolution = sql.NullString{String: string(b), Valid: true}
	}
	return evaluation, resolution, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	d := &Dispute{}
	var evaluation, resolution sql.NullString
	err := row.Scan(&d.ID, &d.OrderID, &d.RaisedBy, &d.Reason, &d.Status,
		&evaluation, &resolution, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	if evaluation.Valid {
		d.Evaluation = &Evaluation{}
		if err := json.Unmarshal([]byte(evaluation.String), d.Evaluation); err != nil {
			return nil, fmt.Errorf("unmarshal evaluation: %w", err)
		}
	}
	if resolution.Valid {
		d.Resolution = &Resolution{}
		if err := json.Unmarshal([]byte(resolution.String), d.Resolution); err != nil {
			return nil, fmt.Errorf("unmarshal resolution: %w", err)
		}
	}
	return d, nil
}
