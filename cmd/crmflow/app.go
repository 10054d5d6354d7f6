package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/crmflow/internal/actions"
	"github.com/rendis/crmflow/internal/conditions"
	"github.com/rendis/crmflow/internal/engine"
	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/internal/mail"
	"github.com/rendis/crmflow/internal/scheduler"
	"github.com/rendis/crmflow/internal/secrets"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/internal/streaming"
	"github.com/rendis/crmflow/internal/validation"
)

// app is the fully wired automation core.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	executor  *engine.Executor
	emitter   *engine.Emitter
	pool      *engine.WorkerPool
	scheduler *scheduler.DelayScheduler
	events    *streaming.MemoryHub
	vault     *secrets.AESVault // nil when no vault key is configured
}

// openStore opens and migrates the libSQL database at cfg.DBPath.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// newApp wires the store, handlers, executor, emitter and delay scheduler.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := wire(s, cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return a, nil
}

func wire(s store.Store, cfg Config, logger *slog.Logger) (*app, error) {
	var mailer mail.Sender
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		logger.Warn("smtp_host not set, emails are logged instead of sent")
		mailer = mail.NewLogSender(logger)
	}

	vault, err := openVault(s, cfg)
	if err != nil {
		return nil, err
	}
	webhook := actions.WebhookConfig{Timeout: time.Duration(cfg.WebhookTimeout)}
	if vault != nil {
		webhook.Secrets = vault
	}

	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, actions.BuiltinDeps{
		Store:   s,
		Mailer:  mailer,
		Webhook: webhook,
	}); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	v, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create cel engine: %w", err)
	}

	hub := streaming.NewMemoryHub(0)
	exec := engine.NewExecutor(s, reg, v, engine.ExecutorConfig{
		MaxDepth:           cfg.MaxChainDepth,
		MaxStepsPerSegment: cfg.MaxStepsPerSegment,
		ResumeInactive:     cfg.ResumeInactive,
		Conditions:         conditions.NewEvaluator(expressions.NewExprEngine(), logger),
		Events:             hub,
		Logger:             logger,
	})
	pool := engine.NewWorkerPool(cfg.PoolSize, logger)
	em := engine.NewEmitter(s, exec, pool, engine.EmitterConfig{
		MaxDepth: cfg.MaxChainDepth,
		Matcher:  engine.NewTriggerMatcher(cel, v, logger),
		Logger:   logger,
	})

	sched, err := scheduler.New(s, em, scheduler.Config{Spec: cfg.DelayPollSpec, Logger: logger})
	if err != nil {
		pool.Shutdown()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     s,
		executor:  exec,
		emitter:   em,
		pool:      pool,
		scheduler: sched,
		events:    hub,
		vault:     vault,
	}, nil
}

// openVault returns nil when cfg sets no vault key.
func openVault(s secrets.SecretStore, cfg Config) (*secrets.AESVault, error) {
	vc, ok, err := cfg.vaultConfig()
	if err != nil || !ok {
		return nil, err
	}
	v, err := secrets.NewAESVault(s, vc)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return v, nil
}

// Close stops the scheduler, drains the pool and closes the store.
func (a *app) Close() error {
	a.scheduler.Stop()
	a.pool.Shutdown()
	m := a.pool.Metrics()
	a.logger.Info("worker pool drained",
		"completed", m.Completed, "failed", m.Failed, "waiting", m.Waiting, "errored", m.Errored, "panics", m.Panics)
	return a.store.Close()
}
