package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/rpsarena/internal/domain"
	"github.com/alanyoungcy/rpsarena/internal/history"
	"github.com/alanyoungcy/rpsarena/internal/ledger"
	"github.com/alanyoungcy/rpsarena/internal/matchmaking"
	"github.com/alanyoungcy/rpsarena/internal/notify"
	"github.com/alanyoungcy/rpsarena/internal/server"
	"github.com/alanyoungcy/rpsarena/internal/server/handler"
	"github.com/alanyoungcy/rpsarena/internal/server/ws"
	"github.com/alanyoungcy/rpsarena/internal/session"
	"github.com/alanyoungcy/rpsarena/internal/tier"
)

const (
	shutdownTimeout        = 5 * time.Second
	defaultArchiveInterval = 24 * time.Hour
)

// FullMode runs the arena against Postgres, Redis and (optionally) S3.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.serve(ctx, deps)
}

// LocalMode runs the arena on a single node: escrow in memory, the durable
// tier and history in a bbolt file, and process-local caches.
func (a *App) LocalMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting local mode",
		slog.String("data_dir", a.cfg.Bolt.DataDir),
	)
	return a.serve(ctx, deps)
}

// serve builds the match engine on top of deps and runs every background
// loop plus the HTTP server until ctx is cancelled.
func (a *App) serve(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	book := ledger.New(deps.EscrowStore, deps.LockManager, deps.AuditStore, ledgerConfig(a.cfg.Ledger), a.logger)

	router := tier.NewRouter(deps.Durable, deps.Fast, tier.Config{
		ProbeInterval:   a.cfg.Tier.ProbeInterval.Duration,
		LatencyBudget:   a.cfg.Tier.LatencyBudget.Duration,
		CommitAttempts:  a.cfg.Tier.CommitAttempts,
		CommitBaseDelay: a.cfg.Tier.CommitBaseDelay.Duration,
		CommitMaxDelay:  a.cfg.Tier.CommitMaxDelay.Duration,
	}, a.logger)

	events := session.NewBusEmitter(deps.SignalBus)
	sessCfg := session.DefaultConfig()
	sessCfg.RoundsToWin = a.cfg.Session.RoundsToWin
	sessCfg.MaxRoundsToWin = a.cfg.Session.MaxRoundsToWin
	sessCfg.RoundDisplay = a.cfg.Session.RoundDisplay.Duration
	sessCfg.MoveTimeout = a.cfg.Session.MoveTimeout.Duration
	sessCfg.GracePeriod = a.cfg.Session.GracePeriod.Duration
	sessCfg.Retention = a.cfg.Session.Retention.Duration
	sessCfg.HintTTL = a.cfg.Session.HintTTL.Duration

	mgr := session.NewManager(sessCfg, session.Deps{
		Ledger: book,
		Router: router,
		Events: events,
		Facts:  history.NewStreamSink(deps.SignalBus),
		Hints:  deps.SessionHints,
		Signer: deps.Signer,
		Alerts: deps.Notifier,
	}, a.logger)

	coordinator := matchmaking.NewCoordinator(mgr, events, matchmaking.Config{
		Timeout:       a.cfg.Matchmaking.Timeout.Duration,
		SweepInterval: a.cfg.Matchmaking.SweepInterval.Duration,
	}, a.logger)

	histCfg := history.DefaultConfig()
	if d := a.cfg.History.PollInterval.Duration; d > 0 {
		histCfg.PollInterval = d
	}
	recorder := history.NewRecorder(deps.SignalBus, deps.HistoryStore, histCfg, a.logger)

	gateway := ws.NewGateway(ws.Deps{
		Sessions:   mgr,
		Matchmaker: coordinator,
		Bus:        deps.SignalBus,
		Limiter:    deps.RateLimiter,
		Verifier:   deps.Verifier,
		Tokens:     deps.Tokens,
	}, ws.Config{
		CommandLimit:   a.cfg.Server.CommandLimit,
		CommandWindow:  a.cfg.Server.CommandWindow.Duration,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	}, a.logger)

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(router, a.logger),
		Matches: handler.NewMatchHandler(mgr, book, a.logger),
		History: handler.NewHistoryHandler(deps.HistoryStore, a.logger),
		Admin:   handler.NewAdminHandler(book, deps.AuditStore, deps.Durable, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, time.Now(), handler.StatusSources{
			Matches:     mgr.Stats,
			Matchmaking: coordinator.Stats,
			Clients:     gateway.ClientCount,
		}),
	}, gateway, deps.RateLimiter, a.logger)

	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return coordinator.Run(ctx) })
	g.Go(func() error { return recorder.Run(ctx) })
	g.Go(func() error { return gateway.Run(ctx) })

	if deps.Archiver != nil {
		retention := time.Duration(a.cfg.History.ArchiveRetentionDays) * 24 * time.Hour
		interval := a.cfg.History.ArchiveInterval.Duration
		if interval <= 0 {
			interval = defaultArchiveInterval
		}
		a.logger.InfoContext(ctx, "history archiving enabled",
			slog.String("bucket", a.cfg.S3.Bucket),
			slog.Duration("retention", retention),
		)
		g.Go(func() error { return deps.Archiver.Run(ctx, retention, interval) })
	}

	a.startHTTPServer(ctx, g, srv)

	if err := deps.Notifier.Notify(ctx, notify.EventStartup, "rpsarena started",
		"mode "+a.cfg.Mode+", receipts signed by "+deps.Signer.Address().Hex()); err != nil {
		a.logger.WarnContext(ctx, "startup notification failed", slog.String("error", err.Error()))
	}

	err := g.Wait()
	mgr.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("all subsystems stopped",
		slog.Any("matches", countByStatus(mgr.Stats())),
	)
	return nil
}

// startHTTPServer serves srv until ctx is cancelled, then drains it.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, srv *server.Server) {
	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// countByStatus flattens the status map for logging.
func countByStatus(stats map[domain.MatchStatus]int) map[string]int {
	out := make(map[string]int, len(stats))
	for status, n := range stats {
		out[string(status)] = n
	}
	return out
}
