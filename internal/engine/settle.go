package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"reclaim/internal/domain"
	"reclaim/internal/engine/auth"
	"reclaim/internal/events"
	"reclaim/internal/repo"
)

// Settlement steps, in order.
const (
	StepVerify      = "verify"
	StepRelease     = "release"
	StepBookkeeping = "bookkeeping"
)

// ReasonSuperseded marks pending claims closed because another finder's
// claim on the same item was accepted.
const ReasonSuperseded = "superseded"

// StepError reports which settlement step failed and whether repeating the
// call is safe. Steps before Step have landed and are not rolled back.
type StepError struct {
	Step      string
	Retryable bool
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step string, err error) *StepError {
	return &StepError{Step: step, Retryable: domain.IsRetryable(err), Err: err}
}

// SettlementResult is the state after an accept or retry.
type SettlementResult struct {
	Claim      domain.Claim      `json:"claim"`
	Settlement domain.Settlement `json:"settlement"`
	Item       domain.Item       `json:"item"`
	Bounty     *domain.Bounty    `json:"bounty,omitempty"`
	Superseded []string          `json:"superseded,omitempty"`
}

// AcceptClaim settles finder's claim on itemID: verify the finder on the
// registry, release any escrowed bounty to them, then resolve the claim.
// Each step is journaled once it lands; calling again resumes at the first
// outstanding step.
func (e Engine) AcceptClaim(ctx context.Context, itemID, finder, caller string) (SettlementResult, error) {
	unlock := e.locks.lock(settlementKey(itemID, finder))
	defer unlock()

	claim, err := e.Repo.GetClaim(ctx, nil, itemID, finder)
	if err != nil {
		return SettlementResult{}, err
	}
	st, err := e.Repo.GetSettlement(ctx, nil, itemID, claim.Finder)
	resuming := err == nil && !st.Done()
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return SettlementResult{}, err
	}
	if !claim.Pending() && !resuming {
		return SettlementResult{}, fmt.Errorf("no pending claim by %s on item %s: %w", finder, itemID, domain.ErrClaimNotFound)
	}

	item, err := e.readItem(ctx, itemID)
	if err != nil {
		return SettlementResult{}, stepErr(StepVerify, err)
	}
	if err := e.authority().CanSettle(item, caller); err != nil {
		return SettlementResult{}, err
	}
	if !resuming {
		now := e.stamp()
		st = domain.Settlement{
			ItemID: itemID, Finder: claim.Finder, Caller: caller,
			State: domain.SettlementVerifying, CreatedAt: now, UpdatedAt: now,
		}
	}
	log := e.log().With(zap.String("item", itemID), zap.String("finder", claim.Finder))

	if st.VerifiedAt == nil {
		if err := e.verifyStep(ctx, item, &st, log); err != nil {
			return SettlementResult{}, err
		}
	}
	bounty, err := e.releaseStep(ctx, &st, log)
	if err != nil {
		return SettlementResult{}, err
	}
	res, err := e.bookkeepingStep(ctx, &st, log)
	if err != nil {
		return SettlementResult{}, err
	}
	res.Bounty = bounty
	res.Item, _ = e.readItem(ctx, itemID)
	return res, nil
}

// verifyStep marks the finder on the registry. A failed ledger call leaves
// nothing journaled: the claim stays pending and a later accept starts over
// by reading ledger state first. Once the verification has landed, a failed
// journal write is reported as a bookkeeping failure and scheduled for retry.
func (e Engine) verifyStep(ctx context.Context, item domain.Item, st *domain.Settlement, log *zap.Logger) error {
	done, err := foundBy(item, st.Finder)
	if err != nil {
		return stepErr(StepVerify, err)
	}
	payload := events.EventPayload{"finder": st.Finder}
	if !done {
		cctx, cancel := e.call(ctx)
		rcpt, err := e.Ledger.VerifyFound(cctx, item.ID, st.Finder, st.Caller)
		cancel()
		if errors.Is(err, domain.ErrAlreadyVerified) {
			again, rerr := e.readItem(ctx, item.ID)
			if rerr != nil {
				return stepErr(StepVerify, rerr)
			}
			if _, ferr := foundBy(again, st.Finder); ferr != nil {
				return stepErr(StepVerify, ferr)
			}
			err = nil
		}
		if err != nil {
			return stepErr(StepVerify, err)
		}
		payload["tx"] = rcpt.TxHash
	}
	st.VerifiedAt = optionalString(e.stamp())
	st.UpdatedAt = *st.VerifiedAt

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return e.journalFailure(ctx, st, StepBookkeeping, domain.Transient(err), log)
	}
	defer tx.Rollback()
	if err := e.Repo.SaveSettlement(ctx, tx, *st); err != nil {
		return e.journalFailure(ctx, st, StepBookkeeping, domain.Transient(err), log)
	}
	if err := e.Events.Append(ctx, tx, events.ItemVerified, "item", item.ID, st.Caller, payload); err != nil {
		return e.journalFailure(ctx, st, StepBookkeeping, domain.Transient(err), log)
	}
	if err := tx.Commit(); err != nil {
		return e.journalFailure(ctx, st, StepBookkeeping, domain.Transient(err), log)
	}
	e.Hub.Signal()
	return nil
}

// foundBy reports whether item is already verified for finder, and
// ErrAlreadyVerified if it is verified for someone else.
func foundBy(item domain.Item, finder string) (bool, error) {
	if !item.IsFound {
		return false, nil
	}
	if auth.SameAddress(item.Finder, finder) {
		return true, nil
	}
	return false, fmt.Errorf("item %s found by %s: %w", item.ID, item.Finder, domain.ErrAlreadyVerified)
}

// releaseStep pays out an unreleased bounty. A bounty already paid to this
// finder counts as done; no bounty means there is nothing to release.
func (e Engine) releaseStep(ctx context.Context, st *domain.Settlement, log *zap.Logger) (*domain.Bounty, error) {
	b, ok, err := e.readBounty(ctx, st.ItemID)
	if err != nil {
		return nil, e.journalFailure(ctx, st, StepRelease, err, log)
	}
	if !ok {
		return nil, nil
	}
	if st.ReleasedAt != nil || b.Released {
		if b.Released && !auth.SameAddress(b.Recipient, st.Finder) {
			return nil, e.journalFailure(ctx, st, StepRelease, fmt.Errorf("bounty paid to %s: %w", b.Recipient, domain.ErrAlreadyReleased), log)
		}
		if st.ReleasedAt == nil {
			st.ReleasedAt = optionalString(b.ReleasedAt)
		}
		return &b, nil
	}

	cctx, cancel := e.call(ctx)
	rcpt, err := e.Ledger.Release(cctx, st.ItemID, st.Finder, st.Caller)
	cancel()
	if errors.Is(err, domain.ErrAlreadyReleased) {
		again, ok, rerr := e.readBounty(ctx, st.ItemID)
		if rerr == nil && ok && again.Released && auth.SameAddress(again.Recipient, st.Finder) {
			err = nil
		}
	}
	if err != nil {
		return nil, e.journalFailure(ctx, st, StepRelease, err, log)
	}
	if paid, _, err := e.readBounty(ctx, st.ItemID); err != nil {
		log.Warn("released bounty not re-read", zap.Error(err))
	} else {
		b = paid
	}
	st.ReleasedAt = optionalString(e.stamp())
	st.UpdatedAt = *st.ReleasedAt

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, e.journalFailure(ctx, st, StepBookkeeping, domain.Transient(err), log)
	}
	defer tx.Rollback()
	if err := e.Repo.SaveSettlement(ctx, tx, *st); err != nil {
		return nil, e.journalFailure(ctx, st, StepBookkeeping, domain.Transient(err), log)
	}
	payload := events.EventPayload{"recipient": st.Finder, "amount": b.Amount.String()}
	if rcpt.TxHash != "" {
		payload["tx"] = rcpt.TxHash
	}
	if err := e.Events.Append(ctx, tx, events.BountyReleased, "item", st.ItemID, st.Caller, payload); err != nil {
		return nil, e.journalFailure(ctx, st, StepBookkeeping, domain.Transient(err), log)
	}
	if err := tx.Commit(); err != nil {
		return nil, e.journalFailure(ctx, st, StepBookkeeping, domain.Transient(err), log)
	}
	e.Hub.Signal()
	return &b, nil
}

// bookkeepingStep accepts the claim, supersedes sibling claims and closes
// the settlement in one transaction.
func (e Engine) bookkeepingStep(ctx context.Context, st *domain.Settlement, log *zap.Logger) (SettlementResult, error) {
	res, err := e.closeSettlement(ctx, st)
	if err != nil {
		var se *StepError
		if errors.As(err, &se) && !se.Retryable {
			return SettlementResult{}, err
		}
		return SettlementResult{}, e.journalFailure(ctx, st, StepBookkeeping, err, log)
	}
	e.Hub.Signal()
	log.Info("settlement complete", zap.Int("superseded", len(res.Superseded)))
	return res, nil
}

func (e Engine) closeSettlement(ctx context.Context, st *domain.Settlement) (SettlementResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SettlementResult{}, domain.Transient(err)
	}
	defer tx.Rollback()

	claim, err := e.Repo.GetClaim(ctx, tx, st.ItemID, st.Finder)
	if err != nil {
		return SettlementResult{}, domain.Transient(err)
	}
	switch claim.Status {
	case domain.ClaimPending:
		claim, err = e.resolveTx(ctx, tx, st.ItemID, st.Finder, domain.ClaimAccepted, "", st.Caller)
		if err != nil {
			return SettlementResult{}, domain.Transient(err)
		}
	case domain.ClaimAccepted:
	default:
		return SettlementResult{}, &StepError{Step: StepBookkeeping, Err: fmt.Errorf("claim is %s: %w", claim.Status, domain.ErrAlreadyResolved)}
	}

	siblings, err := e.Repo.ListClaims(ctx, tx, repo.ClaimFilter{ItemIDs: []string{st.ItemID}, Status: domain.ClaimPending})
	if err != nil {
		return SettlementResult{}, domain.Transient(err)
	}
	var superseded []string
	for _, s := range siblings {
		if auth.SameAddress(s.Finder, st.Finder) {
			continue
		}
		if _, err := e.resolveTx(ctx, tx, s.ItemID, s.Finder, domain.ClaimRejected, ReasonSuperseded, st.Caller); err != nil {
			return SettlementResult{}, domain.Transient(err)
		}
		superseded = append(superseded, s.Finder)
	}

	now := e.stamp()
	st.State = domain.SettlementSettled
	st.ResolvedAt = optionalString(now)
	st.UpdatedAt = now
	st.NextAttemptAt = nil
	st.FailedStep = ""
	st.LastError = ""
	if err := e.Repo.SaveSettlement(ctx, tx, *st); err != nil {
		return SettlementResult{}, domain.Transient(err)
	}
	if err := e.Events.Append(ctx, tx, events.SettlementSettled, "settlement", claimEntity(st.ItemID, st.Finder), st.Caller, events.EventPayload{
		"item_id": st.ItemID, "finder": st.Finder, "attempts": st.Attempts, "released": st.ReleasedAt != nil,
	}); err != nil {
		return SettlementResult{}, domain.Transient(err)
	}
	if err := tx.Commit(); err != nil {
		return SettlementResult{}, domain.Transient(err)
	}
	return SettlementResult{Claim: claim, Settlement: *st, Superseded: superseded}, nil
}

// journalFailure records a failed step after verification has landed and
// returns the StepError for it. Retryable failures are scheduled with
// backoff until max_attempts is reached.
func (e Engine) journalFailure(ctx context.Context, st *domain.Settlement, step string, cause error, log *zap.Logger) error {
	serr := stepErr(step, cause)
	now := e.now()
	st.Attempts++
	st.FailedStep = step
	st.LastError = cause.Error()
	st.UpdatedAt = now.UTC().Format(time.RFC3339)
	evt := events.SettlementPartial
	switch {
	case serr.Retryable && st.Attempts < e.maxAttempts():
		st.State = domain.SettlementPartial
		next := now.Add(e.backoff().Delay(settlementKey(st.ItemID, st.Finder), st.Attempts-1)).UTC().Format(time.RFC3339)
		st.NextAttemptAt = &next
	default:
		st.State = domain.SettlementFailed
		st.NextAttemptAt = nil
		evt = events.SettlementFailed
	}
	log.Warn("settlement step failed",
		zap.String("step", step),
		zap.Bool("retryable", serr.Retryable),
		zap.Int("attempts", st.Attempts),
		zap.Bool("verified", st.VerifiedAt != nil),
		zap.Bool("released", st.ReleasedAt != nil),
		zap.Error(cause))

	// Detached so a cancelled request still leaves a journal behind.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	tx, err := e.DB.BeginTx(wctx, nil)
	if err != nil {
		log.Error("settlement journal not written", zap.Error(err))
		return serr
	}
	defer tx.Rollback()
	if err := e.Repo.SaveSettlement(wctx, tx, *st); err != nil {
		log.Error("settlement journal not written", zap.Error(err))
		return serr
	}
	if err := e.Events.Append(wctx, tx, evt, "settlement", claimEntity(st.ItemID, st.Finder), st.Caller, events.EventPayload{
		"item_id": st.ItemID, "finder": st.Finder, "step": step, "attempts": st.Attempts, "error": st.LastError,
	}); err != nil {
		log.Error("settlement journal not written", zap.Error(err))
		return serr
	}
	if err := tx.Commit(); err != nil {
		log.Error("settlement journal not written", zap.Error(err))
		return serr
	}
	e.Hub.Signal()
	return serr
}

// RejectClaim turns a pending claim away. The ledger is not touched.
func (e Engine) RejectClaim(ctx context.Context, itemID, finder, reason, caller string) (domain.Claim, error) {
	unlock := e.locks.lock(settlementKey(itemID, finder))
	defer unlock()

	item, err := e.readItem(ctx, itemID)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := e.authority().CanReject(item, caller); err != nil {
		return domain.Claim{}, err
	}
	if st, err := e.Repo.GetSettlement(ctx, nil, itemID, finder); err == nil && st.VerifiedAt != nil {
		return domain.Claim{}, fmt.Errorf("settlement for %s on item %s in progress: %w", finder, itemID, domain.ErrAlreadyResolved)
	}
	return e.ResolveClaim(ctx, itemID, finder, DecisionReject, reason, caller)
}

// RetrySettlement resumes a journaled settlement as its original caller.
func (e Engine) RetrySettlement(ctx context.Context, itemID, finder string) (SettlementResult, error) {
	st, err := e.Repo.GetSettlement(ctx, nil, itemID, finder)
	if err != nil {
		return SettlementResult{}, err
	}
	if st.Done() {
		claim, err := e.Repo.GetClaim(ctx, nil, itemID, finder)
		if err != nil {
			return SettlementResult{}, err
		}
		res := SettlementResult{Claim: claim, Settlement: st}
		res.Item, _ = e.readItem(ctx, itemID)
		if b, ok, err := e.readBounty(ctx, itemID); err == nil && ok {
			res.Bounty = &b
		}
		return res, nil
	}
	return e.AcceptClaim(ctx, itemID, finder, st.Caller)
}

// RetrySettlementAs resumes a settlement on behalf of caller, who must hold
// settle authority over the item.
func (e Engine) RetrySettlementAs(ctx context.Context, itemID, finder, caller string) (SettlementResult, error) {
	item, err := e.readItem(ctx, itemID)
	if err != nil {
		return SettlementResult{}, err
	}
	if err := e.authority().CanSettle(item, caller); err != nil {
		return SettlementResult{}, err
	}
	return e.RetrySettlement(ctx, itemID, finder)
}

// RetryOutcome is one settlement touched by RetryDue.
type RetryOutcome struct {
	ItemID string `json:"item_id"`
	Finder string `json:"finder"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

// RetryDue resumes every settlement whose next attempt is due at now.
func (e Engine) RetryDue(ctx context.Context, now time.Time) ([]RetryOutcome, error) {
	due, err := e.DueSettlements(ctx, now, 0)
	if err != nil {
		return nil, err
	}
	out := make([]RetryOutcome, 0, len(due))
	for _, st := range due {
		out = append(out, e.RetryOne(ctx, st))
	}
	return out, nil
}

// RetryOne resumes st and reports where it ended up.
func (e Engine) RetryOne(ctx context.Context, st domain.Settlement) RetryOutcome {
	o := RetryOutcome{ItemID: st.ItemID, Finder: st.Finder}
	res, err := e.RetrySettlement(ctx, st.ItemID, st.Finder)
	if err != nil {
		o.Error = err.Error()
		if cur, gerr := e.Repo.GetSettlement(ctx, nil, st.ItemID, st.Finder); gerr == nil {
			o.State = cur.State
		}
		return o
	}
	o.State = res.Settlement.State
	return o
}

func (e Engine) readItem(ctx context.Context, itemID string) (domain.Item, error) {
	cctx, cancel := e.call(ctx)
	defer cancel()
	return e.Ledger.GetItem(cctx, itemID)
}

func (e Engine) readBounty(ctx context.Context, itemID string) (domain.Bounty, bool, error) {
	cctx, cancel := e.call(ctx)
	defer cancel()
	return e.Ledger.GetBounty(cctx, itemID)
}

func (e Engine) ListSettlements(ctx context.Context, state string) ([]domain.Settlement, error) {
	switch state {
	case "", domain.SettlementVerifying, domain.SettlementPartial, domain.SettlementSettled, domain.SettlementFailed:
	default:
		return nil, fmt.Errorf("%w: unknown settlement state %q", domain.ErrInvalidInput, state)
	}
	return e.Repo.ListSettlements(ctx, state)
}

// DueSettlements lists unfinished settlements whose next attempt is due at now.
func (e Engine) DueSettlements(ctx context.Context, now time.Time, limit int) ([]domain.Settlement, error) {
	return e.Repo.DueSettlements(ctx, now.UTC().Format(time.RFC3339), limit)
}
