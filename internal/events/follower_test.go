package events

import (
	"context"
	"errors"
	"testing"

	"reclaim/internal/domain"
)

type memSource struct{ evts []domain.Event }

func (m memSource) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range m.evts {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m memSource) LatestEventID(context.Context) (int64, error) {
	if len(m.evts) == 0 {
		return 0, nil
	}
	return m.evts[len(m.evts)-1].ID, nil
}

func TestPassStopsAtFailedEvent(t *testing.T) {
	src := memSource{evts: []domain.Event{{ID: 1, Type: "a"}, {ID: 2, Type: "b"}, {ID: 3, Type: "c"}}}
	f := Follower{Source: src, Batch: 10}
	var seen []int64
	fail := true
	deliver := func(_ context.Context, e domain.Event) error {
		if e.ID == 2 && fail {
			fail = false
			return errors.New("endpoint down")
		}
		seen = append(seen, e.ID)
		return nil
	}
	cur := f.Pass(context.Background(), 0, deliver)
	if cur != 1 {
		t.Fatalf("cursor %d, want 1", cur)
	}
	cur = f.Pass(context.Background(), cur, deliver)
	if cur != 3 {
		t.Fatalf("cursor %d, want 3", cur)
	}
	if len(seen) != 3 || seen[1] != 2 {
		t.Fatalf("delivered %v", seen)
	}
	if head := f.FromHead(context.Background()); head != 3 {
		t.Fatalf("head %d", head)
	}
}
