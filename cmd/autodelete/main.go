package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/autodelete/internal/admin"
	"github.com/xiy/autodelete/internal/config"
	"github.com/xiy/autodelete/internal/ingest"
	"github.com/xiy/autodelete/internal/metrics"
	"github.com/xiy/autodelete/internal/store"
	"github.com/xiy/autodelete/internal/telegram"
	"github.com/xiy/autodelete/internal/tracker"
	"github.com/xiy/autodelete/internal/ttl"
)

const (
	version           = "autodelete v0.1.0"
	defaultConfigPath = "config/autodelete.yaml"
)

// backend is what serve and admin need from a record store.
type backend interface {
	store.Store
	store.SweepLogger
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "admin":
		err = runAdmin(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println(version)
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.RequireToken(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := newLogger(cfg)
	logger.Info("starting",
		"version", version,
		"storage", cfg.StorageDriver,
		"lifetime", cfg.MessageLifetime,
		"period", cfg.DeletionPeriod,
		"nodelete", cfg.NodeleteHashtags,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	prom := metrics.NewPrometheus(cfg.ServerName)
	svc := tracker.NewService(st, cfg, logger, prom)

	client, err := telegram.NewClient(cfg.TelegramAPIURL, cfg.TelegramBotToken.Value(), logger,
		telegram.DefaultOptions(cfg.PollTimeout))
	if err != nil {
		return err
	}
	me, err := client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("verify bot token: %w", err)
	}
	logger.Info("authorized", "bot", me.Username, "id", me.ID)

	poller := telegram.NewPoller(client, cfg.PollTimeout, logger)
	deleter := telegram.NewDeleter(client, cfg.DeleteWorkers, cfg.DeleteQueueSize,
		telegram.DefaultBreakerSettings(), logger, prom)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingest.Run(gctx, logger, poller, svc) })
	g.Go(func() error { return ttl.Start(gctx, logger, cfg.DeletionPeriod, svc, deleter, st) })
	g.Go(func() error { return deleter.Run(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return prom.Serve(gctx, cfg.MetricsAddr, logger) })
	}
	if _, err := os.Stat(*configPath); err == nil {
		g.Go(func() error {
			return config.Watch(gctx, logger, *configPath, func(next config.Config) {
				svc.SetExclusions(next.NodeleteHashtags)
				logger.Info("exclusion hashtags updated", "nodelete", next.NodeleteHashtags)
			})
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func runAdmin(args []string) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stderr)
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	return admin.Run(ctx, st, cfg.MessageLifetime)
}

func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (backend, error) {
	switch cfg.StorageDriver {
	case config.DriverRedis:
		rs, err := store.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisKeyPrefix, logger)
		if err != nil {
			return nil, err
		}
		return rs, nil
	default:
		ss, err := store.OpenSQLite(ctx, cfg.StoragePath, logger)
		if err != nil {
			return nil, err
		}
		return ss, nil
	}
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: cfg.ServerName})
	switch cfg.LogLevel {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
	return logger
}

func usage() {
	fmt.Print(`autodelete

Usage:
  autodelete serve [--config path]
  autodelete admin [--config path]
  autodelete version
`)
}
