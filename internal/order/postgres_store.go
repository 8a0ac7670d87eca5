package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists orders in PostgreSQL. Line items and the status
// history are stored as JSONB alongside the row; the version column backs
// optimistic concurrency.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an order store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	history, err := json.Marshal(o.StatusHistory)
	if err != nil {
		return fmt.Errorf("marshal status history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, seller_id, items, total_amount, status,
			status_history, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4::JSONB, $5, $6, $7::JSONB, $8, $9, $10)`,
		o.ID, o.BuyerID, o.SellerID, items, o.TotalAmount, o.Status,
		history, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

const orderColumns = `id, buyer_id, seller_id, items::TEXT, total_amount, status,
		status_history::TEXT, version, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// UpdateVersioned applies the write with a compare-and-swap on the version
// column. Zero rows affected means a concurrent writer won.
func (s *PostgresStore) UpdateVersioned(ctx context.Context, o *Order, expectedVersion int64) error {
	history, err := json.Marshal(o.StatusHistory)
	if err != nil {
		return fmt.Errorf("marshal status history: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, status_history = $2::JSONB, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		o.Status, history, o.UpdatedAt, o.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing order from a lost race.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrConcurrentModification
	}
	o.Version = expectedVersion + 1
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var items, history string
	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &items, &o.TotalAmount,
		&o.Status, &history, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &o.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshal status history: %w", err)
	}
	return o, nil
}
