package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the service.
const (
	ItemSubmitted     = "item.submitted"
	ItemVerified      = "item.verified"
	BountyPledged     = "bounty.pledged"
	BountyReleased    = "bounty.released"
	ClaimFiled        = "claim.filed"
	ClaimAccepted     = "claim.accepted"
	ClaimRejected     = "claim.rejected"
	SettlementPartial = "settlement.partial"
	SettlementSettled = "settlement.settled"
	SettlementFailed  = "settlement.failed"
	DisputeOpened     = "dispute.opened"
	DisputeResolved   = "dispute.resolved"
)

type Writer struct {
	DB      *sql.DB
	Network string
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx. Subscribers are woken by the caller
// via Hub.Signal once tx has committed.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,network,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(w.Network), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
