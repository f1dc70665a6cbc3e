package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgrid/gps-server/internal/broadcast"
	"github.com/fleetgrid/gps-server/internal/clock"
	"github.com/fleetgrid/gps-server/internal/command"
	cfgpkg "github.com/fleetgrid/gps-server/internal/config"
	"github.com/fleetgrid/gps-server/internal/geofence"
	"github.com/fleetgrid/gps-server/internal/health"
	"github.com/fleetgrid/gps-server/internal/httpserver"
	"github.com/fleetgrid/gps-server/internal/ingest"
	"github.com/fleetgrid/gps-server/internal/listener"
	"github.com/fleetgrid/gps-server/internal/logging"
	"github.com/fleetgrid/gps-server/internal/metrics"
	"github.com/fleetgrid/gps-server/internal/migrate"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/session"
	"github.com/fleetgrid/gps-server/internal/state"
	"github.com/fleetgrid/gps-server/internal/storage/pg"
	"github.com/fleetgrid/gps-server/internal/storage/redis"
)

// sysexits(3) codes, so process supervisors can tell a bad config from
// a dependency outage.
const (
	exitUsage       = 64
	exitUnavailable = 69
	exitInternal    = 70
	exitIOErr       = 74
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "config file path (falls back to GPS_CONFIG)")
	flag.Parse()

	// 1) configuration
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitUsage
	}

	// 2) logging
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return exitInternal
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	clk := clock.System{}

	// 3) metrics
	reg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(reg)
	metricsHandler := metrics.Handler(reg)

	// 4) postgres pool and schema
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := pg.NewPool(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, log)
	if err != nil {
		cancel()
		log.Error("postgres connect error", zap.Error(err))
		return exitUnavailable
	}
	if err := (migrate.Runner{FS: pg.Migrations}).Up(ctx, pool); err != nil {
		cancel()
		log.Error("migrations error", zap.Error(err))
		return exitInternal
	}
	cancel()
	defer pool.Close()
	repo := &pg.Repository{Pool: pool}

	// 5) optional redis: snapshot cache, ingest dedup, command limits
	var (
		rdb     *redis.Client
		cache   *redis.SnapshotCache
		dedup   ingest.Deduper
		nonces  command.NonceStore
		limiter *redis.RateLimiter
	)
	if cfg.Redis.Enabled {
		var err error
		rdb, err = redis.NewClient(cfg.Redis)
		if err != nil {
			log.Error("redis connect error", zap.Error(err))
			return exitUnavailable
		}
		defer func() { _ = rdb.Close() }()
		cache = redis.NewSnapshotCache(rdb, cfg.Redis.CacheTTL)
		d := redis.NewDeduper(rdb, log, cfg.Ingest.DedupWindow)
		dedup = d
		nonces = d
		limiter = redis.NewRateLimiter(rdb, cfg.Command.CriticalPerHr, time.Hour)
	}

	// 6) session registry with a persistence hook: each finished
	// session becomes one history row
	registry := session.NewRegistry(clk, cfg.Session.HeartbeatTimeout, cfg.Session.UDPExpiry,
		func(s *model.Session, cause string) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := repo.InsertSession(ctx, s); err != nil {
				log.Warn("session history insert failed", zap.Error(err))
				return
			}
			if err := repo.CloseSession(ctx, s, cause, clk.Now()); err != nil {
				log.Warn("session history close failed", zap.Error(err))
			}
			ev := &model.Event{
				ID:        uuid.NewString(),
				DeviceID:  s.DeviceID,
				IMEI:      s.IMEI,
				Type:      model.EventStatusChange,
				Timestamp: clk.Now(),
				Changes: map[string]interface{}{
					"status": "disconnected",
					"cause":  cause,
					"peer":   s.PeerAddr,
				},
			}
			if err := repo.InsertEvent(ctx, ev); err != nil {
				log.Warn("disconnect event insert failed", zap.Error(err))
			}
		})

	stopC := make(chan struct{})

	// 7) device state
	store := state.New(repo, cache, registry, clk, log, cfg.Ingest.AutoProvision)
	go store.RunOfflineSupervisor(cfg.Session.SupervisorInterval, cfg.Session.HeartbeatTimeout, stopC)
	go registry.RunReaper(cfg.Session.SupervisorInterval, stopC)

	// 8) broadcast fan-out (nil when disabled; publishers tolerate that)
	caster, err := broadcast.New(cfg.Broadcast, log, appm)
	if err != nil {
		log.Error("broadcast connect error", zap.Error(err))
		return exitUnavailable
	}
	defer caster.Close()

	// 9) geofence engine
	fences := geofence.New(repo, clk, log, cfg.Geofence.Hysteresis,
		cfg.Geofence.DefaultCooldown, cfg.Geofence.BatchSize, caster.PublishGeofence)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := fences.Load(ctx); err != nil {
			log.Warn("geofence initial load failed", zap.Error(err))
		}
		cancel()
	}
	go fences.RunReloader(cfg.Geofence.ReloadInterval, stopC)

	// 10) ingestion pipeline
	pipeline := ingest.New(store, repo, fences, caster, dedup, clk, log, appm, cfg.Ingest)

	// 11) command dispatch
	signer := command.NewSigner(cfg.Command.HMACSecret, clk)
	dispatcher := command.NewDispatcher(signer, registry, repo, nonces, limiter,
		caster, clk, log, appm, cfg.Command.RecentAuthMax)

	// 12) listeners
	listeners, err := listener.BuildAll(cfg.Listeners, listener.Deps{
		Registry: registry,
		State:    store,
		Pipeline: pipeline,
		Clock:    clk,
		Logger:   log,
		Metrics:  appm,
		TCP:      cfg.TCP,
	})
	if err != nil {
		log.Error("listener build error", zap.Error(err))
		return exitUsage
	}

	// 13) health probes
	agg := health.NewAggregator(health.NewDatabaseChecker(pool))
	if rdb != nil {
		agg.AddChecker(health.NewRedisChecker(rdb))
	}
	agg.AddChecker(health.NewListenerChecker(func() (int, int, string) {
		running, lastErr := 0, ""
		for _, l := range listeners {
			st := l.Status()
			if st.Running {
				running++
			}
			if st.LastError != "" {
				lastErr = st.LastError
			}
		}
		return running, len(listeners), lastErr
	}))

	// 14) HTTP surface
	var ready atomic.Bool
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler,
		ready.Load,
		func() []httpserver.ListenerStatus {
			out := make([]httpserver.ListenerStatus, 0, len(listeners))
			for _, l := range listeners {
				out = append(out, l.Status())
			}
			return out
		},
		func(ctx context.Context, req httpserver.CommandRequest) (*command.Command, error) {
			dev, err := store.Resolve(ctx, model.IMEI(req.IMEI), "")
			if err != nil {
				return nil, err
			}
			return dispatcher.Issue(ctx, dev, req.Name, req.Params, req.UserID, clk.Now())
		},
		agg)

	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()
	for _, l := range listeners {
		if err := l.Start(); err != nil {
			log.Error("listener start error", zap.String("listener", l.Name()), zap.Error(err))
			return exitIOErr
		}
	}
	ready.Store(true)
	log.Info("server started",
		zap.String("env", cfg.App.Env),
		zap.Int("listeners", len(listeners)),
		zap.String("http", cfg.HTTP.Addr))

	// graceful shutdown: stop ingress, drain the pipeline, close
	// sessions, then the HTTP surface
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	ready.Store(false)
	close(stopC)

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, l := range listeners {
		_ = l.Shutdown(ctx)
	}
	pipeline.Close()
	registry.CloseAll(session.CauseShutdown)
	_ = httpSrv.Shutdown(ctx)
	log.Info("server stopped")
	return 0
}
