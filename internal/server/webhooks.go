package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"reclaim/internal/config"
	"reclaim/internal/domain"
	"reclaim/internal/engine"
	"reclaim/internal/events"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	network string
	hook    config.WebhookConfig
	filter  eventFilter
	client  *http.Client
	log     *zap.Logger
}

// StartWebhooks launches one follower per enabled webhook. Each starts at the
// current head of the event log and stops with ctx.
func StartWebhooks(ctx context.Context, e engine.Engine) int {
	if e.Config == nil {
		return 0
	}
	started := 0
	for i, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d := newWebhookDispatcher(e.Config.Network.Name, hook)
		if e.Logger != nil {
			d.log = e.Logger.Named("webhook")
		}
		f := events.Follower{
			Name:     fmt.Sprintf("webhook-%d", i),
			Source:   e.Repo,
			Hub:      e.Hub,
			Interval: defaultWebhookInterval,
			Batch:    defaultWebhookBatch,
			Logger:   e.Logger,
		}
		cursor := f.FromHead(ctx)
		go f.Run(ctx, cursor, d.deliver)
		started++
	}
	return started
}

func newWebhookDispatcher(network string, hook config.WebhookConfig) *webhookDispatcher {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &webhookDispatcher{
		network: network,
		hook:    hook,
		filter:  newEventFilter(hook.Events),
		client:  &http.Client{Timeout: timeout},
		log:     zap.NewNop(),
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Network    string          `json:"network,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) deliver(ctx context.Context, evt domain.Event) error {
	if !d.filter.match(evt.Type) {
		return nil
	}
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	network := evt.Network
	if network == "" {
		network = d.network
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Network:    network,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reclaim-Event", evt.Type)
	req.Header.Set("X-Reclaim-Delivery", fmt.Sprintf("%d", evt.ID))
	if secret := strings.TrimSpace(d.hook.Secret); secret != "" {
		req.Header.Set("X-Reclaim-Signature", "sha256="+signPayload(secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	d.log.Debug("webhook delivered", zap.String("url", d.hook.URL), zap.Int64("event", evt.ID))
	return nil
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

// newEventFilter matches exact types and "kind.*" prefixes; empty matches all.
func newEventFilter(types []string) eventFilter {
	f := eventFilter{set: map[string]struct{}{}}
	for _, evt := range types {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
