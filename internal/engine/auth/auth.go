// Package auth decides who may act on items, claims and disputes.
package auth

import (
	"fmt"
	"strings"

	"reclaim/internal/domain"
)

// ForbiddenError indicates the actor lacks authority for an action.
type ForbiddenError struct {
	Action  string
	ActorID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s may not %s", e.ActorID, e.Action)
}

func (e ForbiddenError) Unwrap() error { return domain.ErrUnauthorized }

// Authority holds the addresses with standing beyond item ownership.
type Authority struct {
	// Dispute is the dispute-resolution contract the service signs as.
	Dispute  string
	Arbiters []string
}

// SameAddress compares ledger addresses case-insensitively.
func SameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

// CanSettle reports whether actor may accept or reject claims on item.
func (a Authority) CanSettle(item domain.Item, actorID string) error {
	if SameAddress(actorID, item.Owner) || SameAddress(actorID, a.Dispute) {
		return nil
	}
	return ForbiddenError{Action: "settle claims on item " + item.ID, ActorID: actorID}
}

// CanReject is narrower than CanSettle: only the owner turns a finder away.
func (a Authority) CanReject(item domain.Item, actorID string) error {
	if SameAddress(actorID, item.Owner) {
		return nil
	}
	return ForbiddenError{Action: "reject claims on item " + item.ID, ActorID: actorID}
}

// CanOpenDispute allows the owner or the finder the dispute is about.
func (a Authority) CanOpenDispute(item domain.Item, finder, actorID string) error {
	if SameAddress(actorID, item.Owner) || SameAddress(actorID, finder) {
		return nil
	}
	return ForbiddenError{Action: "open a dispute on item " + item.ID, ActorID: actorID}
}

// CanArbitrate reports whether actor is a configured arbiter.
func (a Authority) CanArbitrate(actorID string) error {
	for _, arb := range a.Arbiters {
		if SameAddress(arb, actorID) {
			return nil
		}
	}
	return ForbiddenError{Action: "resolve disputes", ActorID: actorID}
}
