package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reclaim/internal/domain"
)

const disputeCols = `id,item_id,finder,opened_by,COALESCE(reason,''),status,COALESCE(resolved_by,''),COALESCE(resolution,''),created_at,COALESCE(resolved_at,'')`

func scanDispute(s interface{ Scan(...any) error }) (domain.Dispute, error) {
	var d domain.Dispute
	err := s.Scan(&d.ID, &d.ItemID, &d.Finder, &d.OpenedBy, &d.Reason, &d.Status, &d.ResolvedBy, &d.Resolution, &d.CreatedAt, &d.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Dispute{}, fmt.Errorf("dispute: %w", ErrNotFound)
	}
	return d, err
}

func (r Repo) InsertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO disputes(id,item_id,finder,opened_by,reason,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.ItemID, d.Finder, d.OpenedBy, nullable(d.Reason), d.Status, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (r Repo) GetDispute(ctx context.Context, tx *sql.Tx, id string) (domain.Dispute, error) {
	return scanDispute(r.q(tx).QueryRowContext(ctx, `SELECT `+disputeCols+` FROM disputes WHERE id=?`, id))
}

// OpenDispute returns the open dispute for (itemID, finder), if any.
func (r Repo) OpenDispute(ctx context.Context, tx *sql.Tx, itemID, finder string) (domain.Dispute, bool, error) {
	d, err := scanDispute(r.q(tx).QueryRowContext(ctx, `SELECT `+disputeCols+` FROM disputes WHERE item_id=? AND finder=? AND status='open'`, itemID, finder))
	if errors.Is(err, ErrNotFound) {
		return domain.Dispute{}, false, nil
	}
	if err != nil {
		return domain.Dispute{}, false, err
	}
	return d, true, nil
}

// CloseDispute records the outcome of an open dispute.
func (r Repo) CloseDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE disputes SET status=?, resolved_by=?, resolution=?, resolved_at=? WHERE id=? AND status='open'`,
		d.Status, d.ResolvedBy, nullable(d.Resolution), d.ResolvedAt, d.ID)
	if err != nil {
		return fmt.Errorf("close dispute: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

func (r Repo) ListDisputes(ctx context.Context, status string) ([]domain.Dispute, error) {
	query := `SELECT ` + disputeCols + ` FROM disputes`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
