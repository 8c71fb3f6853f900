package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"reclaim/internal/domain"
)

// Source reads committed events in id order.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Follower tails the event log from a cursor, waking on Hub signals and
// falling back to a ticker. Delivery is at least once per process: a failed
// event is offered again on the next pass.
type Follower struct {
	Name     string
	Source   Source
	Hub      *Hub
	Interval time.Duration
	Batch    int
	Logger   *zap.Logger
}

// FromHead returns a cursor positioned after the newest committed event.
func (f Follower) FromHead(ctx context.Context) int64 {
	cur, err := f.Source.LatestEventID(ctx)
	if err != nil {
		f.log().Warn("init cursor failed, starting from the beginning", zap.Error(err))
		return 0
	}
	return cur
}

// Run delivers events after cursor to fn until ctx is done.
func (f Follower) Run(ctx context.Context, cursor int64, fn func(context.Context, domain.Event) error) {
	interval := f.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	wake, cancel := f.Hub.Subscribe()
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cursor = f.Pass(ctx, cursor, fn)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Pass delivers one batch and returns the advanced cursor.
func (f Follower) Pass(ctx context.Context, cursor int64, fn func(context.Context, domain.Event) error) int64 {
	batch := f.Batch
	if batch <= 0 {
		batch = 100
	}
	evts, err := f.Source.EventsAfter(ctx, batch, cursor)
	if err != nil {
		if ctx.Err() == nil {
			f.log().Warn("fetch events failed", zap.Error(err))
		}
		return cursor
	}
	for _, evt := range evts {
		if err := fn(ctx, evt); err != nil {
			f.log().Warn("deliver event failed", zap.Int64("event", evt.ID), zap.String("type", evt.Type), zap.Error(err))
			return cursor
		}
		cursor = evt.ID
	}
	return cursor
}

func (f Follower) log() *zap.Logger {
	l := f.Logger
	if l == nil {
		l = zap.NewNop()
	}
	if f.Name != "" {
		l = l.With(zap.String("follower", f.Name))
	}
	return l
}
