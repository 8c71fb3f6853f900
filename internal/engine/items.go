package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"reclaim/internal/content"
	"reclaim/internal/domain"
	"reclaim/internal/events"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// ItemView is an item with its resolved metadata and bounty, as shown on the board.
type ItemView struct {
	domain.Item
	Metadata domain.Metadata `json:"metadata"`
	Bounty   *domain.Bounty  `json:"bounty,omitempty"`
}

// ReportOptions describe a lost item in plain fields.
type ReportOptions struct {
	Owner       string
	Fingerprint string
	Name        string
	Description string
	Location    string
	Reward      string
}

// ReportItem registers a lost item, encoding the fingerprint from Name,
// Description and Location unless one is given, and pledges Reward if set.
func (e Engine) ReportItem(ctx context.Context, opts ReportOptions) (ItemView, error) {
	fp := opts.Fingerprint
	if fp == "" {
		var err error
		fp, err = content.Encode(opts.Name, opts.Description, opts.Location)
		if err != nil {
			return ItemView{}, err
		}
	}
	var reward decimal.Decimal
	if opts.Reward != "" {
		var err error
		reward, err = ParseAmount(opts.Reward)
		if err != nil {
			return ItemView{}, err
		}
	}
	item, err := e.SubmitItem(ctx, opts.Owner, fp)
	if err != nil {
		return ItemView{}, err
	}
	if opts.Reward != "" {
		if _, err := e.PledgeBounty(ctx, item.ID, reward, opts.Owner); err != nil {
			return ItemView{}, fmt.Errorf("item %s registered, bounty pledge failed: %w", item.ID, err)
		}
	}
	return e.GetItem(ctx, item.ID)
}

// SubmitItem registers an item on the ledger under owner.
func (e Engine) SubmitItem(ctx context.Context, owner, fingerprint string) (domain.Item, error) {
	cctx, cancel := e.call(ctx)
	defer cancel()
	item, rcpt, err := e.Ledger.SubmitItem(cctx, owner, fingerprint)
	if err != nil {
		return domain.Item{}, err
	}
	if err := e.record(ctx, events.ItemSubmitted, "item", item.ID, owner, events.EventPayload{"tx": rcpt.TxHash}); err != nil {
		e.log().Warn("item event not recorded", zap.String("item", item.ID), zap.Error(err))
	}
	return item, nil
}

func (e Engine) GetItem(ctx context.Context, itemID string) (ItemView, error) {
	item, err := e.Ledger.GetItem(ctx, itemID)
	if err != nil {
		return ItemView{}, err
	}
	return e.view(ctx, item)
}

// Board lists every item newest first, skipping unowned slots.
func (e Engine) Board(ctx context.Context) ([]ItemView, error) {
	items, err := e.Ledger.ListAllItems(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return itemSeq(items[i].ID) > itemSeq(items[j].ID) })
	out := make([]ItemView, 0, len(items))
	for _, item := range items {
		if item.Owner == "" || strings.EqualFold(item.Owner, zeroAddress) {
			continue
		}
		v, err := e.view(ctx, item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e Engine) ItemsByOwner(ctx context.Context, owner string) ([]ItemView, error) {
	items, err := e.Ledger.ListItemsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]ItemView, 0, len(items))
	for _, item := range items {
		v, err := e.view(ctx, item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// PledgeBounty adds amount to the item's escrowed bounty.
func (e Engine) PledgeBounty(ctx context.Context, itemID string, amount decimal.Decimal, payer string) (domain.Bounty, error) {
	cctx, cancel := e.call(ctx)
	defer cancel()
	rcpt, err := e.Ledger.Pledge(cctx, itemID, amount, payer)
	if err != nil {
		return domain.Bounty{}, err
	}
	if err := e.record(ctx, events.BountyPledged, "item", itemID, payer, events.EventPayload{"amount": amount.String(), "tx": rcpt.TxHash}); err != nil {
		e.log().Warn("pledge event not recorded", zap.String("item", itemID), zap.Error(err))
	}
	b, _, err := e.Ledger.GetBounty(ctx, itemID)
	return b, err
}

// GetBounty returns the bounty for an item or ErrNotFound if none was pledged.
func (e Engine) GetBounty(ctx context.Context, itemID string) (domain.Bounty, error) {
	if _, err := e.Ledger.GetItem(ctx, itemID); err != nil {
		return domain.Bounty{}, err
	}
	b, ok, err := e.Ledger.GetBounty(ctx, itemID)
	if err != nil {
		return domain.Bounty{}, err
	}
	if !ok {
		return domain.Bounty{}, fmt.Errorf("bounty for item %s: %w", itemID, domain.ErrNotFound)
	}
	return b, nil
}

// ParseAmount reads a positive ether amount such as "0.5".
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q is not a number", domain.ErrInvalidInput, s)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, domain.ErrInvalidAmount
	}
	return d, nil
}

func (e Engine) view(ctx context.Context, item domain.Item) (ItemView, error) {
	v := ItemView{Item: item, Metadata: content.Describe(ctx, e.Content, item)}
	b, ok, err := e.Ledger.GetBounty(ctx, item.ID)
	if err != nil {
		return ItemView{}, err
	}
	if ok {
		v.Bounty = &b
	}
	return v, nil
}

func itemSeq(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}
