package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"reclaim/internal/domain"
	"reclaim/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type published struct {
	channel string
	body    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
	sent chan struct{}
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.msgs = append(f.msgs, published{channel: channel, body: message.([]byte)})
	if f.sent != nil {
		f.sent <- struct{}{}
	}
	return redis.NewIntResult(1, nil)
}

type memSource struct {
	mu   sync.Mutex
	evts []domain.Event
}

func (m *memSource) add(e domain.Event) {
	m.mu.Lock()
	m.evts = append(m.evts, e)
	m.mu.Unlock()
}

func (m *memSource) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.evts {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) LatestEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.evts) == 0 {
		return 0, nil
	}
	return m.evts[len(m.evts)-1].ID, nil
}

func TestDeliverPublishesMessage(t *testing.T) {
	pub := &fakePublisher{}
	r := Relay{Publisher: pub, Channel: "lost.found"}
	err := r.Deliver(context.Background(), domain.Event{
		ID: 7, Type: events.BountyReleased, EntityKind: "item", EntityID: "1",
		ActorID: "0xabc", Network: "localnet", Payload: `{"amount":"0.5"}`,
	})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	require.Equal(t, "lost.found", pub.msgs[0].channel)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.msgs[0].body, &msg))
	require.Equal(t, int64(7), msg.ID)
	require.Equal(t, events.BountyReleased, msg.Type)
	require.JSONEq(t, `{"amount":"0.5"}`, string(msg.Payload))
}

func TestDeliverDefaultsChannelAndPayload(t *testing.T) {
	pub := &fakePublisher{}
	r := Relay{Publisher: pub}
	require.NoError(t, r.Deliver(context.Background(), domain.Event{ID: 1, Type: events.ItemSubmitted, Payload: "not json"}))
	require.Equal(t, DefaultChannel, pub.msgs[0].channel)
	var msg Message
	require.NoError(t, json.Unmarshal(pub.msgs[0].body, &msg))
	require.JSONEq(t, `{}`, string(msg.Payload))
}

func TestDeliverSurfacesPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	err := Relay{Publisher: pub}.Deliver(context.Background(), domain.Event{ID: 3})
	require.ErrorContains(t, err, "publish event 3")
}

func TestRunRelaysNewEventsOnly(t *testing.T) {
	src := &memSource{}
	src.add(domain.Event{ID: 1, Type: events.ItemSubmitted})
	hub := events.NewHub()
	pub := &fakePublisher{sent: make(chan struct{}, 4)}
	r := Relay{Publisher: pub, Source: src, Hub: hub}

	ctx, cancel := context.WithCancel(context.Background())
	cursor := r.Head(ctx)
	require.Equal(t, int64(1), cursor)
	done := make(chan struct{})
	go func() {
		r.RunFrom(ctx, cursor)
		close(done)
	}()

	src.add(domain.Event{ID: 2, Type: events.ClaimFiled})
	hub.Signal()

	select {
	case <-pub.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("event not relayed")
	}
	cancel()
	<-done

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.msgs, 1)
	var msg Message
	require.NoError(t, json.Unmarshal(pub.msgs[0].body, &msg))
	require.Equal(t, int64(2), msg.ID)
}
