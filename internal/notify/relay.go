// Package notify relays committed events to a Redis pub/sub channel so
// clients outside the process observe item, claim and settlement changes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reclaim/internal/config"
	"reclaim/internal/domain"
	"reclaim/internal/events"
)

const (
	DefaultChannel = "reclaim.events"

	relayInterval = 2 * time.Second
	relayBatch    = 200
)

// Publisher is the slice of the Redis client the relay uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Message is the JSON published for each event.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Network    string          `json:"network,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

type Relay struct {
	Publisher Publisher
	Channel   string
	Source    events.Source
	Hub       *events.Hub
	Logger    *zap.Logger
}

// NewClient builds a Redis client from config, or nil when no address is set.
func NewClient(cfg config.RedisConfig) *redis.Client {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Run publishes events committed after startup until ctx is done.
func (r Relay) Run(ctx context.Context) {
	r.RunFrom(ctx, r.Head(ctx))
}

// Head is the cursor of the newest committed event.
func (r Relay) Head(ctx context.Context) int64 {
	return r.follower().FromHead(ctx)
}

// RunFrom publishes events after cursor until ctx is done.
func (r Relay) RunFrom(ctx context.Context, cursor int64) {
	r.follower().Run(ctx, cursor, r.Deliver)
}

// Deliver publishes one event. Subscribers on the channel receive a Message.
func (r Relay) Deliver(ctx context.Context, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(Message{
		ID:         evt.ID,
		Type:       evt.Type,
		Network:    evt.Network,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	if err := r.Publisher.Publish(ctx, r.channel(), data).Err(); err != nil {
		return fmt.Errorf("publish event %d: %w", evt.ID, err)
	}
	return nil
}

func (r Relay) channel() string {
	if r.Channel == "" {
		return DefaultChannel
	}
	return r.Channel
}

func (r Relay) follower() events.Follower {
	return events.Follower{
		Name:     "redis",
		Source:   r.Source,
		Hub:      r.Hub,
		Interval: relayInterval,
		Batch:    relayBatch,
		Logger:   r.Logger,
	}
}
