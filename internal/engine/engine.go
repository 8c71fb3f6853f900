package engine

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"reclaim/internal/config"
	"reclaim/internal/content"
	"reclaim/internal/engine/auth"
	"reclaim/internal/events"
	"reclaim/internal/ledger"
	"reclaim/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Ledger  ledger.Ledger
	Content content.Store
	Events  events.Writer
	Hub     *events.Hub
	Config  *config.Config
	Logger  *zap.Logger
	Now     func() time.Time

	locks *keyLocks
}

func New(db *sql.DB, cfg *config.Config, l ledger.Ledger) Engine {
	network := ""
	if cfg != nil {
		network = cfg.Network.Name
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Ledger:  l,
		Content: content.Inline{},
		Events:  events.Writer{DB: db, Network: network},
		Hub:     events.NewHub(),
		Config:  cfg,
		Logger:  zap.NewNop(),
		Now:     time.Now,
		locks:   &keyLocks{m: map[string]*keyLock{}},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) authority() auth.Authority {
	a := auth.Authority{Dispute: e.Ledger.CurrentAddress()}
	if e.Config != nil {
		a.Arbiters = e.Config.Disputes.Arbiters
	}
	return a
}

// call bounds a single ledger call by settlement.call_timeout.
func (e Engine) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Config == nil || e.Config.Settlement.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.Config.Settlement.CallTimeout.Std())
}

func (e Engine) backoff() Backoff {
	if e.Config == nil {
		return Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}
	}
	s := e.Config.Settlement
	return Backoff{Base: s.RetryBase.Std(), Max: s.RetryMax.Std(), Jitter: s.RetryJitter.Std()}
}

func (e Engine) maxAttempts() int {
	if e.Config == nil || e.Config.Settlement.MaxAttempts <= 0 {
		return 12
	}
	return e.Config.Settlement.MaxAttempts
}

// record appends a standalone event for a ledger action that has landed.
func (e Engine) record(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Hub.Signal()
	return nil
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks serializes work per (item, finder) without a global lock.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

func (k *keyLocks) lock(key string) func() {
	if k == nil {
		return func() {}
	}
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

func settlementKey(itemID, finder string) string {
	return itemID + "|" + strings.ToLower(finder)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
