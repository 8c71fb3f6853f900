package server

import (
	"encoding/json"

	"reclaim/internal/domain"
	"reclaim/internal/engine"
)

// Request payloads

type ReportItemRequest struct {
	Name        string `json:"name,omitempty" doc:"Item name; required unless fingerprint is given"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty" doc:"Pre-encoded content fingerprint"`
	Reward      string `json:"reward,omitempty" example:"0.5" doc:"Bounty pledged by the owner at registration"`
}

type PledgeRequest struct {
	Amount string `json:"amount" example:"0.5"`
}

type FileClaimRequest struct {
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Contact     string `json:"contact,omitempty"`
}

type RejectClaimRequest struct {
	Reason string `json:"reason,omitempty"`
}

type OpenDisputeRequest struct {
	Finder string `json:"finder"`
	Reason string `json:"reason,omitempty"`
}

type ResolveDisputeRequest struct {
	Outcome string `json:"outcome" enum:"uphold,award"`
	Note    string `json:"note,omitempty"`
}

// Responses

// BountyResponse carries amounts as decimal strings so no precision is lost.
type BountyResponse struct {
	ItemID     string `json:"item_id"`
	Amount     string `json:"amount" example:"0.5"`
	Pledges    int    `json:"pledges"`
	Released   bool   `json:"released"`
	Recipient  string `json:"recipient,omitempty"`
	CreatedAt  string `json:"created_at"`
	ReleasedAt string `json:"released_at,omitempty"`
}

type ItemResponse struct {
	domain.Item
	Metadata domain.Metadata `json:"metadata"`
	Bounty   *BountyResponse `json:"bounty,omitempty"`
}

type SettlementResponse struct {
	Claim      domain.Claim      `json:"claim"`
	Settlement domain.Settlement `json:"settlement"`
	Item       domain.Item       `json:"item"`
	Bounty     *BountyResponse   `json:"bounty,omitempty"`
	Superseded []string          `json:"superseded,omitempty"`
}

type DisputeResponse struct {
	Dispute    domain.Dispute      `json:"dispute"`
	Settlement *SettlementResponse `json:"settlement,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	Network    string         `json:"network,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type itemList struct {
	Items []ItemResponse `json:"items"`
}

type claimList struct {
	Items []domain.Claim `json:"items"`
}

type settlementList struct {
	Items []domain.Settlement `json:"items"`
}

type disputeList struct {
	Items []domain.Dispute `json:"items"`
}

// Conversion helpers

func bountyResponse(b *domain.Bounty) *BountyResponse {
	if b == nil {
		return nil
	}
	return &BountyResponse{
		ItemID:     b.ItemID,
		Amount:     b.Amount.String(),
		Pledges:    b.Pledges,
		Released:   b.Released,
		Recipient:  b.Recipient,
		CreatedAt:  b.CreatedAt,
		ReleasedAt: b.ReleasedAt,
	}
}

func itemResponse(v engine.ItemView) ItemResponse {
	return ItemResponse{Item: v.Item, Metadata: v.Metadata, Bounty: bountyResponse(v.Bounty)}
}

func itemResponses(views []engine.ItemView) []ItemResponse {
	out := make([]ItemResponse, 0, len(views))
	for _, v := range views {
		out = append(out, itemResponse(v))
	}
	return out
}

func settlementResponse(r engine.SettlementResult) SettlementResponse {
	return SettlementResponse{
		Claim:      r.Claim,
		Settlement: r.Settlement,
		Item:       r.Item,
		Bounty:     bountyResponse(r.Bounty),
		Superseded: r.Superseded,
	}
}

func disputeResponse(r engine.DisputeResult) DisputeResponse {
	out := DisputeResponse{Dispute: r.Dispute}
	if r.Settlement != nil {
		s := settlementResponse(*r.Settlement)
		out.Settlement = &s
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		Network:    e.Network,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
