package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/cyclops/internal/api"
	"github.com/nidhogg/cyclops/internal/breaker"
	"github.com/nidhogg/cyclops/internal/config"
	"github.com/nidhogg/cyclops/internal/cycle"
	"github.com/nidhogg/cyclops/internal/events"
	"github.com/nidhogg/cyclops/internal/graph"
	"github.com/nidhogg/cyclops/internal/metrics"
	"github.com/nidhogg/cyclops/internal/notify"
	"github.com/nidhogg/cyclops/internal/ratelimit"
	"github.com/nidhogg/cyclops/internal/state"
	"github.com/nidhogg/cyclops/internal/store"
	"github.com/nidhogg/cyclops/internal/telemetry"
)

var runFlags struct {
	branch        string
	maxIterations int
	demo          bool
	listen        string
	noAPI         bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run cycles until completion or the iteration limit",
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.branch, "branch", "", "branch to run on (default from config)")
	f.IntVar(&runFlags.maxIterations, "max-iterations", 0, "maximum cycles (default from config)")
	f.BoolVar(&runFlags.demo, "demo", false, "register the built-in demo handlers")
	f.StringVar(&runFlags.listen, "listen", "", "status API address (default :<server.port>)")
	f.BoolVar(&runFlags.noAPI, "no-api", false, "do not serve the status API")
	rootCmd.AddCommand(runCmd)
}

// services holds the optional backends so they can be closed on exit.
type services struct {
	redis *events.RedisStream
	pg    *store.Store
	neo   *graph.PatternGraph
	hub   *notify.Hub
}

func (s *services) close(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}
	if s.neo != nil {
		if err := s.neo.Close(ctx); err != nil {
			logger.Warn("close neo4j", zap.Error(err))
		}
	}
	if s.pg != nil {
		s.pg.Close()
	}
}

// wireSinks subscribes every configured observer to bus. Backends that
// cannot be reached are logged and skipped.
func wireSinks(ctx context.Context, cfg *config.Config, bus *events.Bus, m *metrics.Sink, logger *zap.Logger) *services {
	svc := &services{}
	bus.Subscribe(events.NewLogSink(logger))
	bus.Subscribe(m)

	if url := cfg.Database.Redis.URL; url != "" {
		rs, err := events.NewRedisStream(url, cfg.Database.Redis.Stream, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(err))
		} else {
			bus.Subscribe(rs)
			svc.redis = rs
		}
	}

	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		pg, err := store.New(ctx, dsn, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without history", zap.Error(err))
		} else if err := pg.Migrate(ctx, cfg.Database.Postgres.Migrations); err != nil {
			logger.Error("migration failed, running without history", zap.Error(err))
			pg.Close()
		} else {
			bus.Subscribe(pg)
			svc.pg = pg
		}
	}

	if n := cfg.Database.Neo4j; n.URI != "" {
		g, err := graph.New(ctx, n.URI, n.User, n.Password, logger)
		if err != nil {
			logger.Warn("Neo4j unavailable, running without pattern graph", zap.Error(err))
		} else {
			if err := g.EnsureConstraints(ctx); err != nil {
				logger.Warn("neo4j constraints", zap.Error(err))
			}
			bus.Subscribe(g)
			svc.neo = g
		}
	}

	hub := notify.NewHub(cfg.Notify.RatePerMinute, logger)
	if s := cfg.Notify.Slack; s.Enabled {
		hub.Register(notify.NewSlack(s.BotToken, s.Channel, logger))
	}
	if d := cfg.Notify.Discord; d.Enabled {
		dc, err := notify.NewDiscord(d.BotToken, d.Channel, logger)
		if err != nil {
			logger.Warn("Discord unavailable", zap.Error(err))
		} else {
			hub.Register(dc)
		}
	}
	if len(hub.Platforms()) > 0 {
		bus.Subscribe(hub)
	}
	svc.hub = hub
	return svc
}

// apiAddr resolves the status API address. An empty result disables the API.
func apiAddr(cfg *config.Config, listen string, noAPI bool) string {
	if noAPI {
		return ""
	}
	if listen != "" {
		return listen
	}
	return cfg.Server.Addr()
}

func newEngine(cfg *config.Config, bus *events.Bus, tp trace.TracerProvider, logger *zap.Logger) (*cycle.Engine, error) {
	o := cfg.Orchestrator
	sm, err := state.NewManager(state.Options{
		StateDir:   o.StateDir,
		ArchiveDir: o.ArchiveDir,
		AuxFiles:   o.AuxFiles,
	}, state.FileStorage{}, logger)
	if err != nil {
		return nil, fmt.Errorf("init state: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: o.RequestsPerMinute,
		RequestsPerHour:   o.RequestsPerHour,
		MaxWait:           o.MaxWait.Duration,
		MaxBackoff:        o.MaxBackoff,
	}, logger)
	cb := breaker.New(breaker.Config{
		Name:             o.Name,
		FailureThreshold: o.FailureThreshold,
		RecoveryTimeout:  o.RecoveryTimeout.Duration,
	}, logger)

	return cycle.NewEngine(cycle.Options{
		Name:             o.Name,
		MaxIterations:    o.MaxIterations,
		Delay:            o.CycleDelay.Duration,
		CompletionCycles: o.CompletionCycles,
		UseBreaker:       o.UseCircuitBreaker,
		TracerProvider:   tp,
	}, limiter, cb, sm, bus, logger), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runFlags.branch != "" {
		cfg.Orchestrator.Branch = runFlags.branch
	}
	if runFlags.maxIterations > 0 {
		cfg.Orchestrator.MaxIterations = runFlags.maxIterations
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("tracing unavailable", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	bus := events.NewBus(logger)
	m := metrics.NewSink()
	svc := wireSinks(ctx, cfg, bus, m, logger)
	defer svc.close(logger)

	engine, err := newEngine(cfg, bus, tel.TracerProvider(), logger)
	if err != nil {
		return err
	}
	if runFlags.demo {
		cycle.RegisterDemo(engine, cycle.NewDemoState())
	}

	sup := cycle.NewSupervisor(logger)
	if err := sup.Add(cfg.Orchestrator.Name, engine, cfg.Orchestrator.Branch, cfg.Orchestrator.MaxIterations); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if addr := apiAddr(cfg, runFlags.listen, runFlags.noAPI); addr != "" {
		opts := []api.Option{api.WithNotifications(svc.hub), api.WithMetrics(m.Handler())}
		if svc.pg != nil {
			opts = append(opts, api.WithHistory(svc.pg))
		}
		if svc.neo != nil {
			opts = append(opts, api.WithPatternGraph(svc.neo))
		}
		srv = &http.Server{
			Addr:    addr,
			Handler: api.NewHandler(sup, logger, opts...).Router(),
		}
		g.Go(func() error {
			logger.Info("Cyclops API listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve api: %w", err)
			}
			return nil
		})
	}

	var results map[string]bool
	g.Go(func() error {
		if srv != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}
		var err error
		results, err = sup.Run(gctx)
		return err
	})

	err = g.Wait()
	for name, done := range results {
		logger.Info("engine finished", zap.String("engine", name), zap.Bool("completed", done))
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("run interrupted")
		return nil
	}
	return err
}
