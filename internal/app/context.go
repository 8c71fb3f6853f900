package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reclaim/internal/config"
	"reclaim/internal/db"
	"reclaim/internal/engine"
	"reclaim/internal/ledger"
	"reclaim/internal/migrate"
	"reclaim/internal/notify"
	"reclaim/internal/server"
	"reclaim/internal/worker"
)

// Workspace is an opened .reclaim directory with its engine.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Chain  *ledger.SQLChain
	Engine engine.Engine
}

// Open migrates the workspace database and builds an engine over the
// workspace ledger. Without a reclaim.yml the localnet defaults are used.
func Open(dir string, logger *zap.Logger) (*Workspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		logger.Debug("no config found, using localnet defaults", zap.String("path", config.Path(dir)))
		cfg = config.Default("localnet")
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if v, err := migrate.Version(conn); err == nil {
		logger.Debug("workspace ready", zap.String("db", db.Path(dir)), zap.Int("schema", v))
	}
	chain := ledger.NewSQLChain(conn, cfg.Network.Contracts.Dispute)
	e := engine.New(conn, cfg, chain)
	e.Logger = logger.With(zap.String("network", cfg.Network.Name))
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Chain: chain, Engine: e}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// Handler builds the HTTP API for the workspace from the server section of
// the config.
func (w *Workspace) Handler(basePath string) (http.Handler, error) {
	sc := w.Config.Server
	return server.New(server.Config{
		Engine:   w.Engine,
		BasePath: basePath,
		Auth: server.AuthConfig{
			JWTSecret:        sc.JWTSecret,
			AllowActorHeader: sc.AllowActorHeader,
			Logger:           w.Engine.Logger.Named("auth"),
		},
		RateLimitRPS:   sc.RateLimitRPS,
		RateLimitBurst: sc.RateLimitBurst,
	})
}

// Background runs the settlement worker, webhook dispatchers and, when
// notify.redis.addr is set, the Redis relay until ctx is done.
func (w *Workspace) Background(ctx context.Context) error {
	log := w.Engine.Logger
	rc := w.Config.Notify.Redis
	client := notify.NewClient(rc)
	if client != nil {
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("redis %s: %w", rc.Addr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.New(w.Engine).Run(ctx)
	})
	if n := server.StartWebhooks(ctx, w.Engine); n > 0 {
		log.Info("webhooks started", zap.Int("count", n))
	}
	if client != nil {
		relay := notify.Relay{
			Publisher: client,
			Channel:   rc.Channel,
			Source:    w.Engine.Repo,
			Hub:       w.Engine.Hub,
			Logger:    log.Named("notify"),
		}
		cursor := relay.Head(ctx)
		g.Go(func() error {
			defer client.Close()
			relay.RunFrom(ctx, cursor)
			return nil
		})
		log.Info("redis relay started", zap.String("addr", rc.Addr), zap.String("channel", rc.Channel))
	}
	return g.Wait()
}
