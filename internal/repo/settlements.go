package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reclaim/internal/domain"
)

const settlementCols = `item_id,finder,caller,state,verified_at,released_at,resolved_at,attempts,COALESCE(failed_step,''),COALESCE(last_error,''),next_attempt_at,created_at,updated_at`

func scanSettlement(s interface{ Scan(...any) error }) (domain.Settlement, error) {
	var (
		st                                domain.Settlement
		verified, released, resolved, due sql.NullString
	)
	err := s.Scan(&st.ItemID, &st.Finder, &st.Caller, &st.State, &verified, &released, &resolved,
		&st.Attempts, &st.FailedStep, &st.LastError, &due, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Settlement{}, fmt.Errorf("settlement: %w", ErrNotFound)
	}
	if err != nil {
		return domain.Settlement{}, err
	}
	st.VerifiedAt = optional(verified)
	st.ReleasedAt = optional(released)
	st.ResolvedAt = optional(resolved)
	st.NextAttemptAt = optional(due)
	return st, nil
}

// SaveSettlement writes the full journal row for (ItemID, Finder).
func (r Repo) SaveSettlement(ctx context.Context, tx *sql.Tx, s domain.Settlement) error {
	_, err := r.q(tx).ExecContext(ctx, `
INSERT INTO settlements(item_id,finder,caller,state,verified_at,released_at,resolved_at,attempts,failed_step,last_error,next_attempt_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(item_id,finder) DO UPDATE SET
  caller=excluded.caller,
  state=excluded.state,
  verified_at=excluded.verified_at,
  released_at=excluded.released_at,
  resolved_at=excluded.resolved_at,
  attempts=excluded.attempts,
  failed_step=excluded.failed_step,
  last_error=excluded.last_error,
  next_attempt_at=excluded.next_attempt_at,
  updated_at=excluded.updated_at`,
		s.ItemID, s.Finder, s.Caller, s.State, nullableStringPtr(s.VerifiedAt), nullableStringPtr(s.ReleasedAt),
		nullableStringPtr(s.ResolvedAt), s.Attempts, nullable(s.FailedStep), nullable(s.LastError),
		nullableStringPtr(s.NextAttemptAt), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save settlement: %w", err)
	}
	return nil
}

func (r Repo) GetSettlement(ctx context.Context, tx *sql.Tx, itemID, finder string) (domain.Settlement, error) {
	return scanSettlement(r.q(tx).QueryRowContext(ctx, `SELECT `+settlementCols+` FROM settlements WHERE item_id=? AND finder=?`, itemID, finder))
}

func (r Repo) ListSettlements(ctx context.Context, state string) ([]domain.Settlement, error) {
	query := `SELECT ` + settlementCols + ` FROM settlements`
	var args []any
	if state != "" {
		query += ` WHERE state=?`
		args = append(args, state)
	}
	query += ` ORDER BY updated_at DESC, item_id`
	return r.querySettlements(ctx, query, args...)
}

// DueSettlements returns unfinished settlements whose next attempt is at or
// before now (RFC3339), oldest first.
func (r Repo) DueSettlements(ctx context.Context, now string, limit int) ([]domain.Settlement, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.querySettlements(ctx, `SELECT `+settlementCols+` FROM settlements
WHERE state IN ('verifying','partially_settled') AND (next_attempt_at IS NULL OR next_attempt_at<=?)
ORDER BY COALESCE(next_attempt_at, updated_at) ASC LIMIT ?`, now, limit)
}

func (r Repo) querySettlements(ctx context.Context, query string, args ...any) ([]domain.Settlement, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
