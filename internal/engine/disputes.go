package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reclaim/internal/domain"
	"reclaim/internal/events"
	"reclaim/internal/repo"
)

// Dispute outcomes.
const (
	OutcomeUphold = "uphold"
	OutcomeAward  = "award"
)

// DisputeResult is a resolved dispute and, for awards, the settlement it ran.
type DisputeResult struct {
	Dispute    domain.Dispute    `json:"dispute"`
	Settlement *SettlementResult `json:"settlement,omitempty"`
}

// OpenDispute contests the rejection of finder's claim on itemID. Opening a
// dispute that is already open returns the existing one.
func (e Engine) OpenDispute(ctx context.Context, itemID, finder, openedBy, reason string) (domain.Dispute, error) {
	item, err := e.Ledger.GetItem(ctx, itemID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if err := e.authority().CanOpenDispute(item, finder, openedBy); err != nil {
		return domain.Dispute{}, err
	}
	claim, err := e.Repo.GetClaim(ctx, nil, item.ID, finder)
	if err != nil {
		return domain.Dispute{}, err
	}
	if claim.Status != domain.ClaimRejected {
		return domain.Dispute{}, fmt.Errorf("%w: claim is %s, only rejected claims can be disputed", domain.ErrInvalidInput, claim.Status)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()
	if existing, ok, err := e.Repo.OpenDispute(ctx, tx, item.ID, claim.Finder); err != nil {
		return domain.Dispute{}, err
	} else if ok {
		return existing, nil
	}
	d := domain.Dispute{
		ID:        uuid.New().String(),
		ItemID:    item.ID,
		Finder:    claim.Finder,
		OpenedBy:  openedBy,
		Reason:    strings.TrimSpace(reason),
		Status:    domain.DisputeOpen,
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertDispute(ctx, tx, d); err != nil {
		return domain.Dispute{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DisputeOpened, "dispute", d.ID, openedBy, events.EventPayload{
		"item_id": d.ItemID, "finder": d.Finder, "reason": d.Reason,
	}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	e.Hub.Signal()
	return d, nil
}

// ResolveDispute closes an open dispute. An award re-opens the finder's claim
// and settles it with the dispute-resolution contract as the verifier; if the
// settlement fails the dispute stays open, and a later award picks up the
// journaled settlement or its completed result.
func (e Engine) ResolveDispute(ctx context.Context, disputeID, arbiter, outcome, note string) (DisputeResult, error) {
	if err := e.authority().CanArbitrate(arbiter); err != nil {
		return DisputeResult{}, err
	}
	d, err := e.Repo.GetDispute(ctx, nil, disputeID)
	if err != nil {
		return DisputeResult{}, err
	}
	if d.Status != domain.DisputeOpen {
		return DisputeResult{}, fmt.Errorf("dispute %s is %s: %w", d.ID, d.Status, domain.ErrAlreadyResolved)
	}

	var res DisputeResult
	switch strings.ToLower(outcome) {
	case OutcomeUphold:
		d.Status = domain.DisputeUpheld
	case OutcomeAward:
		settled, err := e.award(ctx, d)
		if err != nil {
			return DisputeResult{}, err
		}
		res.Settlement = &settled
		d.Status = domain.DisputeAwarded
	default:
		return DisputeResult{}, fmt.Errorf("%w: outcome must be uphold or award", domain.ErrInvalidInput)
	}

	d.ResolvedBy = arbiter
	d.Resolution = strings.TrimSpace(note)
	d.ResolvedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DisputeResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.CloseDispute(ctx, tx, d); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return DisputeResult{}, fmt.Errorf("dispute %s: %w", d.ID, domain.ErrAlreadyResolved)
		}
		return DisputeResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DisputeResolved, "dispute", d.ID, arbiter, events.EventPayload{
		"item_id": d.ItemID, "finder": d.Finder, "status": d.Status,
	}); err != nil {
		return DisputeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DisputeResult{}, err
	}
	e.Hub.Signal()
	res.Dispute = d
	return res, nil
}

// award settles the disputed claim. A settlement already completed for the
// finder, for example by the retry worker after an earlier award failed
// partway, is the award's result.
func (e Engine) award(ctx context.Context, d domain.Dispute) (SettlementResult, error) {
	st, err := e.Repo.GetSettlement(ctx, nil, d.ItemID, d.Finder)
	switch {
	case err == nil && st.Done():
		return e.RetrySettlement(ctx, d.ItemID, d.Finder)
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return SettlementResult{}, err
	}
	item, err := e.readItem(ctx, d.ItemID)
	if err != nil {
		return SettlementResult{}, err
	}
	if _, err := foundBy(item, d.Finder); err != nil {
		return SettlementResult{}, err
	}
	reopened, err := e.reopenClaim(ctx, d)
	if err != nil {
		return SettlementResult{}, err
	}
	res, err := e.AcceptClaim(ctx, d.ItemID, d.Finder, e.Ledger.CurrentAddress())
	if err != nil && reopened && errors.Is(err, domain.ErrAlreadyVerified) {
		// another finder was verified in between
		if _, rerr := e.ResolveClaim(ctx, d.ItemID, d.Finder, DecisionReject, ReasonSuperseded, e.Ledger.CurrentAddress()); rerr != nil {
			e.log().Warn("reopened claim left pending", zap.String("item", d.ItemID), zap.String("finder", d.Finder), zap.Error(rerr))
		}
	}
	return res, err
}

// reopenClaim puts a rejected claim back to pending and reports whether it did.
func (e Engine) reopenClaim(ctx context.Context, d domain.Dispute) (bool, error) {
	claim, err := e.Repo.GetClaim(ctx, nil, d.ItemID, d.Finder)
	if err != nil {
		return false, err
	}
	if claim.Status != domain.ClaimRejected {
		return false, nil
	}
	claim.UpdatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertClaim(ctx, tx, claim); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.ClaimFiled, "claim", claimEntity(d.ItemID, d.Finder), e.Ledger.CurrentAddress(), events.EventPayload{
		"item_id": d.ItemID, "dispute_id": d.ID,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.Hub.Signal()
	return true, nil
}

func (e Engine) ListDisputes(ctx context.Context, status string) ([]domain.Dispute, error) {
	switch status {
	case "", domain.DisputeOpen, domain.DisputeUpheld, domain.DisputeAwarded:
	default:
		return nil, fmt.Errorf("%w: unknown dispute status %q", domain.ErrInvalidInput, status)
	}
	return e.Repo.ListDisputes(ctx, status)
}

func (e Engine) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return e.Repo.GetDispute(ctx, nil, id)
}
