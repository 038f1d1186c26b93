package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/hochfrequenz/variation-orchestrator/internal/backend"
	"github.com/hochfrequenz/variation-orchestrator/internal/config"
	"github.com/hochfrequenz/variation-orchestrator/internal/gate"
	"github.com/hochfrequenz/variation-orchestrator/internal/logging"
	"github.com/hochfrequenz/variation-orchestrator/internal/metrics"
	"github.com/hochfrequenz/variation-orchestrator/internal/notify"
	"github.com/hochfrequenz/variation-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/variation-orchestrator/internal/sink"
)

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	logger := logging.New(logging.Options{
		Level:  cfg.General.LogLevel,
		Format: cfg.General.LogFormat,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	return logger
}

// loadEnv reads agent credentials from the configured .env file.
// Variables already set in the environment win.
func loadEnv(cfg *config.Config) error {
	if cfg.General.EnvFile == "" {
		return nil
	}
	if err := godotenv.Load(cfg.General.EnvFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", cfg.General.EnvFile, err)
	}
	return nil
}

// openStore opens the sqlite database that holds runs and chunks
func openStore(cfg *config.Config) (*sink.SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, err
	}
	return sink.NewSQLite(cfg.General.DatabasePath)
}

// app wires the orchestrator together from config
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *sink.SQLite
	redis     *sink.Redis
	broadcast *sink.Broadcast
	backend   backend.JobBackend
	gate      *gate.Gate
	metrics   *metrics.Metrics
	scheduler *scheduler.Scheduler

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg)}
	if err := loadEnv(cfg); err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	a.metrics = metrics.New("varorch")
	a.broadcast = sink.NewBroadcast(256)

	out, err := a.buildSink(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.backend, err = a.buildBackend(ctx, a.metrics.CountingSink(out))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.gate = gate.New(cfg.Gate.MaxRuns, cfg.Gate.MaxJobs, a.logger)
	a.gate.SetOnChange(a.metrics.ObserveGate)

	a.scheduler, err = scheduler.New(a.backend, a.gate, scheduler.Options{
		PollInterval:    cfg.Scheduler.PollInterval.Std(),
		RunDeadline:     cfg.Scheduler.RunDeadline.Std(),
		StatusTimeout:   cfg.Scheduler.StatusTimeout.Std(),
		CleanupDelay:    cfg.Scheduler.CleanupDelay.Std(),
		NotifyTimeout:   cfg.Notifications.Timeout.Std(),
		MaxPollFailures: cfg.Scheduler.MaxPollFailures,
		DefaultProvider: cfg.Executor.Provider,
		DefaultModel:    cfg.Executor.Model,
	},
		scheduler.WithStore(store),
		scheduler.WithNotifier(a.notifier()),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithLogger(a.logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// buildSink assembles the configured durable sinks plus the live broadcast
func (a *app) buildSink(ctx context.Context) (sink.OutputSink, error) {
	sinks := sink.Multi{a.broadcast}
	if a.cfg.Sink.Kind == "sqlite" || a.cfg.Sink.Kind == "both" {
		sinks = append(sinks, a.store)
	}
	if a.cfg.Sink.Kind == "redis" || a.cfg.Sink.Kind == "both" {
		r, err := sink.NewRedis(ctx, sink.RedisOptions{
			URL: a.cfg.Sink.RedisURL,
			TTL: a.cfg.Sink.Retention.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.redis = r
		a.closers = append(a.closers, r.Close)
		sinks = append(sinks, r)
	}
	return sinks, nil
}

func (a *app) buildBackend(ctx context.Context, out sink.OutputSink) (backend.JobBackend, error) {
	switch a.cfg.Backend.Kind {
	case "docker":
		d, err := backend.NewDocker(ctx, backend.DockerOptions{
			Image:           a.cfg.Backend.Image,
			Network:         a.cfg.Backend.Network,
			SkipPermissions: a.cfg.Executor.SkipPermissions,
			Logger:          a.logger,
		}, out)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, d.Close)
		return d, nil
	default:
		opts := backend.LocalOptions{
			ChunkSize:       a.cfg.Executor.ChunkSize,
			Binaries:        a.cfg.Executor.Binaries,
			DefaultTimeout:  a.cfg.Executor.Timeout.Std(),
			SkipPermissions: a.cfg.Executor.SkipPermissions,
			WorkDir:         a.cfg.General.ProjectRoot,
			Logger:          a.logger,
		}
		if a.cfg.Backend.Worktrees {
			if a.cfg.General.ProjectRoot == "" {
				return nil, fmt.Errorf("backend.worktrees requires general.project_root")
			}
			opts.Worktrees = backend.NewWorktreeManager(a.cfg.General.ProjectRoot, a.cfg.General.WorktreeDir)
		}
		l := backend.NewLocal(opts, out)
		a.closers = append(a.closers, l.Close)
		return l, nil
	}
}

func (a *app) notifier() notify.Notifier {
	var notifiers []notify.Notifier
	if a.cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if a.cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(a.cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

// Shutdown cancels active runs and cleans them up
func (a *app) Shutdown(ctx context.Context) error {
	if a.scheduler == nil {
		return nil
	}
	return a.scheduler.Shutdown(ctx)
}

// Close releases backends and sinks in reverse order of creation
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
