package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an escrow store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (
			id, order_id, amount, released, refunded, status,
			hold_expires_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.OrderID, a.Amount, a.Released, a.Refunded, a.Status,
		a.HoldExpiresAt, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrEscrowExists
	}
	return err
}

const escrowColumns = `id, order_id, amount, released, refunded, status,
		hold_expires_at, version, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE order_id = $1`, orderID)
	return scanAccount(row)
}

func (s *PostgresStore) Update(ctx context.Context, a *Account) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrow_accounts
		SET released = $1, refunded = $2, status = $3, hold_expires_at = $4,
			version = $5, updated_at = $6
		WHERE id = $7`,
		a.Released, a.Refunded, a.Status, a.HoldExpiresAt,
		a.Version, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_accounts
		WHERE status = $1 AND hold_expires_at <= $2
		ORDER BY hold_expires_at ASC
		LIMIT $3`,
		StatusPendingRelease, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var due []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, a)
	}
	return due, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	a := &Account{}
	var expires sql.NullTime
	err := row.Scan(&a.ID, &a.OrderID, &a.Amount, &a.Released, &a.Refunded,
		&a.Status, &expires, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		a.HoldExpiresAt = &t
	}
	return a, nil
}
