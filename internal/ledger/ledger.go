// Package ledger is the boundary to the registry and escrow contracts.
//
// Every state change on the ledger is a transaction that either lands with a
// Receipt or fails with one of the domain errors. Errors wrapping
// domain.ErrTransient mean the outcome is unknown: the call may or may not have
// landed, and callers must re-read ledger state before trying again.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"reclaim/internal/domain"
)

// Log names emitted by the contracts.
const (
	LogItemSubmitted  = "ItemSubmitted"
	LogItemVerified   = "ItemVerified"
	LogBountyPledged  = "BountyPledged"
	LogBountyReleased = "BountyReleased"
)

// Receipt is the proof that a ledger transaction landed.
type Receipt struct {
	TxHash string   `json:"tx_hash"`
	Logs   []string `json:"logs"`
}

type Registry interface {
	SubmitItem(ctx context.Context, owner, fingerprint string) (domain.Item, Receipt, error)
	GetItem(ctx context.Context, itemID string) (domain.Item, error)
	ListItemsByOwner(ctx context.Context, owner string) ([]domain.Item, error)
	ListAllItems(ctx context.Context) ([]domain.Item, error)
	VerifyFound(ctx context.Context, itemID, finder, caller string) (Receipt, error)
}

type Escrow interface {
	Pledge(ctx context.Context, itemID string, amount decimal.Decimal, payer string) (Receipt, error)
	Release(ctx context.Context, itemID, recipient, caller string) (Receipt, error)
	GetBounty(ctx context.Context, itemID string) (domain.Bounty, bool, error)
}

// Ledger is what the service signs transactions against. CurrentAddress is
// the account the service itself acts as when no human caller is involved,
// which is the dispute-resolution contract.
type Ledger interface {
	Registry
	Escrow
	CurrentAddress() string
}
