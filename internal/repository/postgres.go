package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chatforge/gateway/internal/domain"
)

// PostgresUserStore reads user accounts and the process-wide default limits
// from Postgres.
type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (r *PostgresUserStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	query := `
		SELECT id, active, token_limit_global, token_limit_monthly
		FROM users
		WHERE id = $1
	`

	var user domain.User
	var globalLimit, monthlyLimit sql.NullInt64

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Active,
		&globalLimit,
		&monthlyLimit,
	)

	if err == sql.ErrNoRows {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	if globalLimit.Valid {
		user.GlobalLimit = &globalLimit.Int64
	}
	if monthlyLimit.Valid {
		user.MonthlyLimit = &monthlyLimit.Int64
	}

	return &user, nil
}

// PostgresLimitsStore reads the process-wide default token limits from the
// token_limits table. A dimension with no row falls back to the configured
// default; both absent means unlimited.
type PostgresLimitsStore struct {
	db       *sql.DB
	fallback domain.Limits
}

func NewPostgresLimitsStore(db *sql.DB, fallback domain.Limits) *PostgresLimitsStore {
	return &PostgresLimitsStore{db: db, fallback: fallback}
}

func (r *PostgresLimitsStore) Defaults(ctx context.Context) (domain.Limits, error) {
	query := `SELECT name, token_limit FROM token_limits WHERE name IN ('global', 'monthly')`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return domain.Limits{}, fmt.Errorf("query default limits: %w", err)
	}
	defer rows.Close()

	limits := r.fallback
	for rows.Next() {
		var name string
		var limit int64
		if err := rows.Scan(&name, &limit); err != nil {
			return domain.Limits{}, fmt.Errorf("scan default limit: %w", err)
		}
		switch name {
		case "global":
			limits.Global = limit
		case "monthly":
			limits.Monthly = limit
		}
	}

	return limits, rows.Err()
}
