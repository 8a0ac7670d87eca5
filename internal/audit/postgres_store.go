package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mquinn/marketsettle/internal/idgen"
	"github.com/mquinn/marketsettle/internal/pagination"
)

// PostgresLedger writes audit entries to PostgreSQL.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger backed by PostgreSQL.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = idgen.WithPrefix("aud_")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, ts, actor_id, actor_role, action, entity_type, entity_id,
			before_state, after_state, reason, request_id, ip_address
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB, $9::JSONB, $10, $11, $12)`,
		entry.ID, entry.Timestamp, entry.ActorID, entry.ActorRole, entry.Action,
		entry.EntityType, entry.EntityID,
		orEmptyJSON(entry.Before), orEmptyJSON(entry.After),
		nullString(entry.Reason), nullString(entry.RequestID), nullString(entry.IPAddress),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

const auditColumns = `id, ts, actor_id, actor_role, action, entity_type, entity_id,
		before_state::TEXT, after_state::TEXT,
		COALESCE(reason, ''), COALESCE(request_id, ''), COALESCE(ip_address, '')`

func (l *PostgresLedger) Query(ctx context.Context, filter Filter, cursor string, limit int) ([]*Entry, string, error) {
	if limit <= 0 {
		limit = 100
	}

	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.EntityType != "" {
		query += ` AND entity_type = ` + arg(filter.EntityType)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ` + arg(filter.EntityID)
	}
	if filter.ActorID != "" {
		query += ` AND actor_id = ` + arg(filter.ActorID)
	}
	if cur != nil {
		query += ` AND (ts, id) < (` + arg(cur.CreatedAt) + `, ` + arg(cur.ID) + `)`
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ` + arg(limit+1)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorID, &e.ActorRole, &e.Action,
			&e.EntityType, &e.EntityID, &e.Before, &e.After,
			&e.Reason, &e.RequestID, &e.IPAddress); err != nil {
			return nil, "", err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.Timestamp, e.ID
	})
	return page, next, nil
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
