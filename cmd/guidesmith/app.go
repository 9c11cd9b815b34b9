package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/config"
	"github.com/fyrsmithlabs/guidesmith/internal/guidelines"
	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/kv"
	"github.com/fyrsmithlabs/guidesmith/internal/lock"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/status"
	"github.com/fyrsmithlabs/guidesmith/internal/telemetry"
)

const serviceName = "github.com/fyrsmithlabs/guidesmith/cmd/guidesmith"

// app holds the dependencies shared by every command.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	store  kv.Store
	locks  *lock.Manager
	docs   *guidelines.Store
	hist   *history.Log
}

// loadConfig reads the config file and applies the --log-level override.
// Every failure is a usage error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, usageError(err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// openApp initializes logging, telemetry and storage from cfg.
//
// Initialization order:
//  1. Telemetry, so the OTEL log bridge has a provider
//  2. Logger
//  3. Store, lock manager, guideline store and history log
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, usageError(err)
	}

	lcfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, usageError(err)
	}
	logger, err := logging.NewLogger(lcfg, global.GetLoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, usageError(err)
	}
	for _, d := range tel.Degraded() {
		logger.Warn(ctx, "telemetry degraded", zap.Error(d))
	}

	store, err := kv.Open(ctx, cfg.Storage)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}

	a := &app{cfg: cfg, logger: logger, tel: tel, store: store}
	a.wire()
	return a, nil
}

// newApp wires an app around an already open store.
func newApp(cfg *config.Config, logger *logging.Logger, store kv.Store) *app {
	a := &app{cfg: cfg, logger: logger, store: store}
	a.wire()
	return a
}

func (a *app) wire() {
	a.locks = lock.NewManager(a.store,
		lock.WithLogger(a.logger),
		lock.WithTelemetry(a.tel.Tracer(serviceName), a.tel.Meter(serviceName)),
	)
	a.docs = guidelines.NewStore(a.store)
	a.hist = history.NewLog(a.store, history.WithMaxRecords(a.cfg.History.MaxRecords))
}

func (a *app) reporter() *status.Reporter {
	return status.NewReporter(a.store, a.locks, a.docs, a.hist)
}

// Close releases the store and flushes telemetry and logs.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Sync() // Best-effort sync on shutdown
	return errors.Join(errs...)
}

// withApp loads config, opens the app, runs fn and closes the app.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn(ctx, "shutdown", zap.Error(cerr))
		}
	}()
	return fn(a)
}
