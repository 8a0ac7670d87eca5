package dispute

import (
	"context"
	"database/sql"
)

// PostgresSignals derives seller statistics from the orders and disputes
// tables.
type PostgresSignals struct {
	db *sql.DB
}

// NewPostgresSignals creates a signal provider backed by PostgreSQL.
func NewPostgresSignals(db *sql.DB) *PostgresSignals {
	return &PostgresSignals{db: db}
}

func (p *PostgresSignals) Stats(ctx context.Context, sellerID string) (SellerStats, error) {
	var stats SellerStats
	var returned int

	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('REFUNDED', 'RETURN_REQUESTED'))
		FROM orders WHERE seller_id = $1`, sellerID).Scan(&stats.LifetimeOrders, &returned)
	if err != nil {
		return stats, err
	}
	if stats.LifetimeOrders > 0 {
		stats.ReturnRate = float64(returned) / float64(stats.LifetimeOrders)
	}

	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM disputes d
		JOIN orders o ON o.id = d.order_id
		WHERE o.seller_id = $1 AND d.status IN ($2, $3, $4)`,
		sellerID, StatusOpen, StatusEvaluating, StatusEscalated).Scan(&stats.OpenDisputes)
	if err != nil {
		return stats, err
	}
	return stats, nil
}
