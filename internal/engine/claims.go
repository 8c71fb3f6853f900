package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"reclaim/internal/domain"
	"reclaim/internal/engine/auth"
	"reclaim/internal/events"
	"reclaim/internal/repo"
)

// Decision values accepted by ResolveClaim.
const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

// FileClaim records finder's claim on an item as pending. Filing again, in
// any letter case of the same address, updates the details of the same record.
func (e Engine) FileClaim(ctx context.Context, itemID, finder string, details domain.ClaimDetails) (domain.Claim, error) {
	finder = strings.TrimSpace(finder)
	if finder == "" {
		return domain.Claim{}, fmt.Errorf("%w: finder is required", domain.ErrInvalidInput)
	}
	item, err := e.Ledger.GetItem(ctx, itemID)
	if err != nil {
		return domain.Claim{}, err
	}
	if auth.SameAddress(finder, item.Owner) {
		return domain.Claim{}, fmt.Errorf("%w: the owner cannot claim their own item", domain.ErrInvalidInput)
	}
	if item.IsFound && !auth.SameAddress(finder, item.Finder) {
		return domain.Claim{}, fmt.Errorf("item %s: %w", itemID, domain.ErrItemAlreadyResolved)
	}
	now := e.stamp()
	c := domain.Claim{ItemID: item.ID, Finder: finder, Details: details, CreatedAt: now, UpdatedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertClaim(ctx, tx, c); err != nil {
		return domain.Claim{}, err
	}
	stored, err := e.Repo.GetClaim(ctx, tx, item.ID, finder)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ClaimFiled, "claim", claimEntity(item.ID, stored.Finder), finder, events.EventPayload{
		"item_id": item.ID, "location": details.Location,
	}); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	e.Hub.Signal()
	return stored, nil
}

// ListClaimsForOwner returns claims on every item owned by owner, newest first.
func (e Engine) ListClaimsForOwner(ctx context.Context, owner string) ([]domain.Claim, error) {
	items, err := e.Ledger.ListItemsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []domain.Claim{}, nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	claims, err := e.Repo.ListClaims(ctx, nil, repo.ClaimFilter{ItemIDs: ids})
	if err != nil {
		return nil, err
	}
	sortClaims(claims)
	return claims, nil
}

func (e Engine) ListClaimsForItem(ctx context.Context, itemID string) ([]domain.Claim, error) {
	item, err := e.Ledger.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	claims, err := e.Repo.ListClaims(ctx, nil, repo.ClaimFilter{ItemIDs: []string{item.ID}})
	if err != nil {
		return nil, err
	}
	sortClaims(claims)
	return claims, nil
}

// ListClaimsByFinder returns the claims a finder has filed, newest first.
func (e Engine) ListClaimsByFinder(ctx context.Context, finder string) ([]domain.Claim, error) {
	claims, err := e.Repo.ListClaims(ctx, nil, repo.ClaimFilter{Finder: finder})
	if err != nil {
		return nil, err
	}
	sortClaims(claims)
	return claims, nil
}

// ResolveClaim moves a pending claim to accepted or rejected. It touches only
// the claim record; AcceptClaim is the path that also settles on the ledger.
func (e Engine) ResolveClaim(ctx context.Context, itemID, finder, decision, reason, actorID string) (domain.Claim, error) {
	status, err := decisionStatus(decision)
	if err != nil {
		return domain.Claim{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()
	c, err := e.resolveTx(ctx, tx, itemID, finder, status, reason, actorID)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	e.Hub.Signal()
	return c, nil
}

func (e Engine) resolveTx(ctx context.Context, tx *sql.Tx, itemID, finder, status, reason, actorID string) (domain.Claim, error) {
	c, err := e.Repo.GetClaim(ctx, tx, itemID, finder)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := ensureClaimTransition(c.Status, status); err != nil {
		return domain.Claim{}, err
	}
	now := e.stamp()
	err = e.Repo.ResolveClaim(ctx, tx, repo.Resolution{
		ItemID: itemID, Finder: c.Finder, Status: status, Reason: reason, At: now, Version: c.Version,
	})
	if errors.Is(err, repo.ErrStale) {
		return domain.Claim{}, fmt.Errorf("claim %s/%s: %w", itemID, finder, domain.ErrAlreadyResolved)
	}
	if err != nil {
		return domain.Claim{}, err
	}
	evt := events.ClaimAccepted
	if status == domain.ClaimRejected {
		evt = events.ClaimRejected
	}
	payload := events.EventPayload{"item_id": itemID, "finder": c.Finder}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.Events.Append(ctx, tx, evt, "claim", claimEntity(itemID, c.Finder), actorID, payload); err != nil {
		return domain.Claim{}, err
	}
	return e.Repo.GetClaim(ctx, tx, itemID, c.Finder)
}

func ensureClaimTransition(from, to string) error {
	if from != domain.ClaimPending {
		return fmt.Errorf("claim is %s: %w", from, domain.ErrAlreadyResolved)
	}
	switch to {
	case domain.ClaimAccepted, domain.ClaimRejected:
		return nil
	}
	return fmt.Errorf("%w: invalid claim transition %s -> %s", domain.ErrInvalidInput, from, to)
}

func decisionStatus(decision string) (string, error) {
	switch strings.ToLower(decision) {
	case DecisionAccept, domain.ClaimAccepted:
		return domain.ClaimAccepted, nil
	case DecisionReject, domain.ClaimRejected:
		return domain.ClaimRejected, nil
	}
	return "", fmt.Errorf("%w: decision must be accept or reject", domain.ErrInvalidInput)
}

func sortClaims(claims []domain.Claim) {
	sort.SliceStable(claims, func(i, j int) bool { return claims[i].CreatedAt > claims[j].CreatedAt })
}

func claimEntity(itemID, finder string) string {
	return itemID + "/" + finder
}
