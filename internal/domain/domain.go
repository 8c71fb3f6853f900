package domain

import "github.com/shopspring/decimal"

const (
	ClaimPending  = "pending"
	ClaimAccepted = "accepted"
	ClaimRejected = "rejected"
)

const (
	SettlementVerifying = "verifying"
	SettlementPartial   = "partially_settled"
	SettlementSettled   = "settled"
	SettlementFailed    = "failed"
)

const (
	DisputeOpen    = "open"
	DisputeUpheld  = "upheld"
	DisputeAwarded = "awarded"
)

// Item is a lost item as recorded by the registry.
type Item struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Fingerprint string `json:"fingerprint"`
	IsFound     bool   `json:"is_found"`
	Finder      string `json:"finder,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	VerifiedAt  string `json:"verified_at,omitempty" format:"date-time"`
}

type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

type ClaimDetails struct {
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Contact     string `json:"contact,omitempty"`
}

// Claim is a finder's assertion for an item, keyed by (ItemID, Finder).
type Claim struct {
	ItemID     string       `json:"item_id"`
	Finder     string       `json:"finder"`
	Details    ClaimDetails `json:"details"`
	Status     string       `json:"status" enum:"pending,accepted,rejected"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  string       `json:"created_at" format:"date-time"`
	UpdatedAt  string       `json:"updated_at" format:"date-time"`
	ResolvedAt *string      `json:"resolved_at,omitempty" format:"date-time"`
	AcceptedAt *string      `json:"accepted_at,omitempty" format:"date-time"`
	RejectedAt *string      `json:"rejected_at,omitempty" format:"date-time"`
	Version    int64        `json:"version"`
}

func (c Claim) Pending() bool { return c.Status == ClaimPending }

type Bounty struct {
	ItemID     string          `json:"item_id"`
	Amount     decimal.Decimal `json:"amount"`
	Pledges    int             `json:"pledges"`
	Released   bool            `json:"released"`
	Recipient  string          `json:"recipient,omitempty"`
	CreatedAt  string          `json:"created_at"`
	ReleasedAt string          `json:"released_at,omitempty"`
}

// Settlement journals the orchestrator's progress for one accepted claim.
type Settlement struct {
	ItemID        string  `json:"item_id"`
	Finder        string  `json:"finder"`
	Caller        string  `json:"caller"`
	State         string  `json:"state" enum:"verifying,partially_settled,settled,failed"`
	VerifiedAt    *string `json:"verified_at,omitempty"`
	ReleasedAt    *string `json:"released_at,omitempty"`
	ResolvedAt    *string `json:"resolved_at,omitempty"`
	Attempts      int     `json:"attempts"`
	FailedStep    string  `json:"failed_step,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
	NextAttemptAt *string `json:"next_attempt_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

func (s Settlement) Done() bool {
	return s.State == SettlementSettled
}

type Dispute struct {
	ID         string `json:"id"`
	ItemID     string `json:"item_id"`
	Finder     string `json:"finder"`
	OpenedBy   string `json:"opened_by"`
	Reason     string `json:"reason,omitempty"`
	Status     string `json:"status" enum:"open,upheld,awarded"`
	ResolvedBy string `json:"resolved_by,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	ResolvedAt string `json:"resolved_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Network    string `json:"network,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
