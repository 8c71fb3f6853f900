package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reclaim/internal/domain"
)

const claimCols = `item_id,finder,COALESCE(description,''),COALESCE(location,''),COALESCE(contact,''),status,COALESCE(reason,''),created_at,updated_at,resolved_at,accepted_at,rejected_at,version`

func scanClaim(s interface{ Scan(...any) error }) (domain.Claim, error) {
	var (
		c                              domain.Claim
		resolved, accepted, rejectedAt sql.NullString
	)
	err := s.Scan(&c.ItemID, &c.Finder, &c.Details.Description, &c.Details.Location, &c.Details.Contact,
		&c.Status, &c.Reason, &c.CreatedAt, &c.UpdatedAt, &resolved, &accepted, &rejectedAt, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Claim{}, domain.ErrClaimNotFound
	}
	if err != nil {
		return domain.Claim{}, err
	}
	c.ResolvedAt = optional(resolved)
	c.AcceptedAt = optional(accepted)
	c.RejectedAt = optional(rejectedAt)
	return c, nil
}

// UpsertClaim files c as pending under (ItemID, Finder). An existing pending
// or rejected record is reset to pending with the new details; an accepted
// one is left alone and ErrAlreadyResolved is returned.
func (r Repo) UpsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	res, err := r.q(tx).ExecContext(ctx, `
INSERT INTO claims(item_id,finder,description,location,contact,status,created_at,updated_at,version)
VALUES (?,?,?,?,?,'pending',?,?,1)
ON CONFLICT(item_id,finder) DO UPDATE SET
  description=excluded.description,
  location=excluded.location,
  contact=excluded.contact,
  status='pending',
  reason=NULL,
  resolved_at=NULL,
  rejected_at=NULL,
  updated_at=excluded.updated_at,
  version=claims.version+1
WHERE claims.status != 'accepted'`,
		c.ItemID, c.Finder, nullable(c.Details.Description), nullable(c.Details.Location), nullable(c.Details.Contact),
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyResolved
	}
	return nil
}

func (r Repo) GetClaim(ctx context.Context, tx *sql.Tx, itemID, finder string) (domain.Claim, error) {
	return scanClaim(r.q(tx).QueryRowContext(ctx, `SELECT `+claimCols+` FROM claims WHERE item_id=? AND finder=?`, itemID, finder))
}

// Resolution moves a pending claim to a terminal status.
type Resolution struct {
	ItemID  string
	Finder  string
	Status  string
	Reason  string
	At      string
	Version int64
}

// ResolveClaim applies res only if the claim is still pending at res.Version.
func (r Repo) ResolveClaim(ctx context.Context, tx *sql.Tx, res Resolution) error {
	var stamp string
	switch res.Status {
	case domain.ClaimAccepted:
		stamp = "accepted_at"
	case domain.ClaimRejected:
		stamp = "rejected_at"
	default:
		return fmt.Errorf("%w: cannot resolve claim to %q", domain.ErrInvalidInput, res.Status)
	}
	out, err := r.q(tx).ExecContext(ctx, `UPDATE claims SET status=?, reason=?, resolved_at=?, `+stamp+`=?, updated_at=?, version=version+1
WHERE item_id=? AND finder=? AND status='pending' AND version=?`,
		res.Status, nullable(res.Reason), res.At, res.At, res.At, res.ItemID, res.Finder, res.Version)
	if err != nil {
		return fmt.Errorf("resolve claim: %w", err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// ClaimFilter narrows ListClaims. ItemIDs empty means all items.
type ClaimFilter struct {
	ItemIDs []string
	Finder  string
	Status  string
}

func (r Repo) ListClaims(ctx context.Context, tx *sql.Tx, f ClaimFilter) ([]domain.Claim, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.ItemIDs) > 0 {
		clauses = append(clauses, "item_id IN (?"+strings.Repeat(",?", len(f.ItemIDs)-1)+")")
		for _, id := range f.ItemIDs {
			args = append(args, id)
		}
	}
	if f.Finder != "" {
		clauses = append(clauses, "finder=? COLLATE NOCASE")
		args = append(args, f.Finder)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+claimCols+` FROM claims WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, item_id, finder`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
