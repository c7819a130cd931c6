package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chatforge/gateway/internal/domain"
	"github.com/google/uuid"
)

// PostgresUsageStore persists token usage events and serves the serialized
// reads the quota enforcer depends on.
type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

func (r *PostgresUsageStore) Append(ctx context.Context, rec domain.TokenUsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO token_usage (id, user_id, project_id, agent_id, conversation_id,
		                         provider, model, prompt_tokens, completion_tokens,
		                         estimated_cost, request_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		nullString(rec.ProjectID),
		nullString(rec.AgentID),
		nullString(rec.ConversationID),
		string(rec.Provider),
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.EstimatedCost,
		string(rec.RequestType),
		rec.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

// TotalsLocked opens a transaction, takes a transaction-scoped advisory lock
// keyed by the user id, and runs fn with the totals read under that lock.
// Two concurrent checks for the same user serialize on the lock; different
// users hash to different keys and never contend. Commit and rollback both
// release the lock, so every exit path is covered by the deferred rollback
// plus the final commit.
func (r *PostgresUsageStore) TotalsLocked(ctx context.Context, userID string, monthStart time.Time, fn func(domain.UsageTotals) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quota tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		return fmt.Errorf("acquire user lock: %w", err)
	}

	totals, err := queryTotals(ctx, tx, userID, monthStart)
	if err != nil {
		return err
	}

	if err := fn(totals); err != nil {
		return err
	}

	// The decision writes nothing; committing just releases the lock cleanly.
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit quota tx: %w", err)
	}

	return nil
}

func (r *PostgresUsageStore) Totals(ctx context.Context, userID string, monthStart time.Time) (domain.UsageTotals, error) {
	return queryTotals(ctx, r.db, userID, monthStart)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryTotals(ctx context.Context, q querier, userID string, monthStart time.Time) (domain.UsageTotals, error) {
	query := `
		SELECT
			COALESCE(SUM(prompt_tokens + completion_tokens), 0),
			COALESCE(SUM(CASE WHEN created_at >= $2 THEN prompt_tokens + completion_tokens ELSE 0 END), 0)
		FROM token_usage
		WHERE user_id = $1
	`

	var totals domain.UsageTotals
	err := q.QueryRowContext(ctx, query, userID, monthStart).Scan(&totals.TotalTokens, &totals.MonthlyTokens)
	if err != nil {
		return domain.UsageTotals{}, fmt.Errorf("query usage totals: %w", err)
	}

	return totals, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
