// Command evhub-server runs the authenticated notification hub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/evhub/internal/config"
	"github.com/and161185/evhub/internal/crypto"
	"github.com/and161185/evhub/internal/errs"
	"github.com/and161185/evhub/internal/escalate"
	"github.com/and161185/evhub/internal/eventsource"
	"github.com/and161185/evhub/internal/handshake"
	"github.com/and161185/evhub/internal/limiter"
	"github.com/and161185/evhub/internal/metrics"
	"github.com/and161185/evhub/internal/migrate"
	"github.com/and161185/evhub/internal/publish"
	"github.com/and161185/evhub/internal/registry"
	"github.com/and161185/evhub/internal/repository/postgres"
	grpcserver "github.com/and161185/evhub/internal/server/grpc"
	"github.com/and161185/evhub/internal/server/ws"
	"github.com/and161185/evhub/internal/service"
	"github.com/and161185/evhub/internal/supervisor"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const taskName = "notifications"

// Exit codes: a missing vital setting is reported apart from other startup failures.
const (
	exitMissingSetting = 1
	exitStartup        = 2
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file (optional; EVHUB_* env overrides it)")
	dev := flag.Bool("dev", false, "development logging and gRPC reflection")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(exitStartup)
	}
	if *dev {
		cfg.Log.Dev = true
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(exitStartup)
	}

	if err := run(cfg, *dev, logger); err != nil {
		code := exitStartup
		if errors.Is(err, errs.ErrMissingSetting) {
			logger.Error("missing vital setting", zap.Error(err))
			code = exitMissingSetting
		} else {
			logger.Error("startup failed", zap.Error(err))
		}
		_ = logger.Sync()
		os.Exit(code)
	}
	_ = logger.Sync()
}

func newLogger(c config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}

// run wires the hub and blocks until a signal arrives. It returns an error only
// when startup fails; a failing notification task is escalated and leaves the
// process running with health NOT_SERVING.
func run(cfg config.Config, dev bool, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("ws", cfg.WS.Listen),
	)
	if err := cfg.Validate(); err != nil {
		return err
	}
	master, err := crypto.ParseMasterKey(cfg.Auth.Key)
	if err != nil {
		return fmt.Errorf("auth.key: %w", err)
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DB.DSN, logger); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	// DB pool
	db, err := postgres.New(ctx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	// Authentication
	keys := postgres.NewAPIKeyRepo(db, master)
	lim := limiter.NewPG(db.Pool, cfg.Auth.Window, cfg.Auth.Fails, cfg.Auth.Lockout)
	authSvc := service.NewAuthService(keys, lim)

	// Rooms, handshake, publishing
	m := metrics.New()
	rooms := registry.New(logger)
	hs := handshake.New(authSvc, rooms, logger,
		handshake.WithTimeout(cfg.Auth.Timeout),
		handshake.WithMetrics(m),
	)
	pub := publish.New(rooms, logger, m)

	wsSrv := ws.New(ws.Options{
		Listen:  cfg.WS.Listen,
		Path:    cfg.WS.Path,
		Queue:   cfg.WS.Queue,
		Rate:    cfg.WS.Rate,
		Burst:   cfg.WS.Burst,
		Origins: cfg.WS.AllowedOrigins(),
	}, rooms, hs, m, logger)
	feed := eventsource.NewListener(db.Listener(), cfg.Notify.Channel, pub, logger)

	// Escalation
	sinks := escalate.Multi{escalate.LogSink{Log: logger}}
	if cfg.Alert.SMTP != "" {
		sinks = append(sinks, escalate.NewMailSink(cfg.Alert.SMTP, cfg.Alert.User, cfg.Alert.Pass, cfg.Alert.From, cfg.Alert.Recipients()))
	}

	task := func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return wsSrv.Run(gctx) })
		g.Go(func() error { return feed.Run(gctx) })
		return g.Wait()
	}

	health := grpcserver.New(logger, dev)
	sup := supervisor.New(taskName, task, sinks, logger)
	sup.OnExit = func(err error) {
		health.SetServing(false)
		if err != nil {
			m.TaskFailed(taskName)
		}
	}

	healthDone := make(chan struct{})
	if cfg.GRPC.Listen != "" {
		go func() {
			defer close(healthDone)
			if err := health.Run(ctx, cfg.GRPC.Listen); err != nil {
				logger.Error("grpc health server", zap.Error(err))
			}
		}()
	} else {
		close(healthDone)
	}

	// OnExit may flip it back before Start returns
	health.SetServing(true)
	if err := sup.Start(ctx); err != nil {
		return err
	}

	waitAndStop(ctx, sup, logger)
	stop()
	<-healthDone

	logger.Info("shutdown complete")
	return nil
}

// supervised is the part of the supervisor the main loop drives.
type supervised interface {
	Done() <-chan struct{}
	Err() error
	Stop() error
}

// waitAndStop blocks until ctx ends and then stops the task exactly once. A task
// that dies earlier has already been escalated; the process stays up until told
// to stop.
func waitAndStop(ctx context.Context, sup supervised, log *zap.Logger) {
	select {
	case <-ctx.Done():
	case <-sup.Done():
		log.Error("notification task exited, waiting for shutdown", zap.Error(sup.Err()))
		<-ctx.Done()
	}
	log.Info("shutdown signal received")

	if err := sup.Stop(); err != nil {
		// already escalated when the task died
		log.Debug("task stopped after failure", zap.Error(err))
	}
}
