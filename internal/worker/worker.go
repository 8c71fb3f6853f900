// Package worker resumes partially settled claims in the background.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reclaim/internal/domain"
	"reclaim/internal/engine"
	"reclaim/internal/events"
)

// Retrier is the slice of the engine the worker drives.
type Retrier interface {
	DueSettlements(ctx context.Context, now time.Time, limit int) ([]domain.Settlement, error)
	RetryOne(ctx context.Context, st domain.Settlement) engine.RetryOutcome
}

type Worker struct {
	Retrier      Retrier
	Concurrency  int
	PollInterval time.Duration
	BatchSize    int
	Hub          *events.Hub
	Logger       *zap.Logger
	Now          func() time.Time
}

// New builds a worker from the engine's settlement config.
func New(e engine.Engine) Worker {
	w := Worker{Retrier: e, Concurrency: 4, PollInterval: 10 * time.Second, Hub: e.Hub, Logger: e.Logger, Now: e.Now}
	if e.Config != nil {
		if n := e.Config.Settlement.Workers; n > 0 {
			w.Concurrency = n
		}
		if d := e.Config.Settlement.PollInterval.Std(); d > 0 {
			w.PollInterval = d
		}
	}
	return w
}

// Run polls for due settlements until ctx is done. A hub signal triggers an
// early pass so freshly journaled failures are picked up without waiting a
// full interval once their backoff has elapsed.
func (w Worker) Run(ctx context.Context) error {
	log := w.log()
	interval := w.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	wake, cancel := w.Hub.Subscribe()
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("settlement worker started", zap.Int("concurrency", w.concurrency()), zap.Duration("interval", interval))
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn("settlement pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("settlement worker stopped")
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// RunOnce retries every due settlement, at most Concurrency at a time.
func (w Worker) RunOnce(ctx context.Context) ([]engine.RetryOutcome, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	due, err := w.Retrier.DueSettlements(ctx, now(), w.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}
	out := make([]engine.RetryOutcome, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency())
	for i, st := range due {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = w.Retrier.RetryOne(gctx, st)
			if out[i].Error != "" {
				w.log().Warn("settlement retry failed",
					zap.String("item", st.ItemID), zap.String("finder", st.Finder),
					zap.String("state", out[i].State), zap.String("error", out[i].Error))
			} else {
				w.log().Info("settlement retried",
					zap.String("item", st.ItemID), zap.String("finder", st.Finder), zap.String("state", out[i].State))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func (w Worker) concurrency() int {
	if w.Concurrency < 1 {
		return 1
	}
	return w.Concurrency
}

func (w Worker) log() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger.Named("worker")
}
