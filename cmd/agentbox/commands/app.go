package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbox/agentbox/pkg/config"
	"github.com/agentbox/agentbox/pkg/deploy"
	"github.com/agentbox/agentbox/pkg/flowq"
	"github.com/agentbox/agentbox/pkg/provision/localreg"
	"github.com/agentbox/agentbox/pkg/provision/sshexec"
	"github.com/agentbox/agentbox/pkg/stores"
	"github.com/agentbox/agentbox/pkg/telemetry"
)

// app wires the control plane together for one command invocation.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   *stores.SQLiteStore
	backend *sshexec.Backend
	engine  *flowq.Engine
	orch    *deploy.Orchestrator
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
}

// newApp loads the configuration and builds the full stack. The
// returned shutdown function must be called before exit.
func newApp(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, nil, err
	}
	telemetry.SetGlobalLogger(logger)

	metrics := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	tracer, err := telemetry.NewTracer(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	recorder := telemetry.NewRecorder(logger, metrics)

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	backend, err := sshexec.NewBackend(&cfg.Backend.SSH)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	engine := flowq.NewEngine(logger)
	workers := deploy.NewWorkers(store, backend, localreg.NewDirRegistry(cfg.AddonDir), recorder, logger)
	if err := workers.Register(engine, cfg.Queues); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	if err := engine.Start(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	orch := deploy.NewOrchestrator(
		store,
		backend,
		localreg.NewFileSecrets(cfg.SecretsFile),
		localreg.NewDirRegistry(cfg.AddonDir),
		engine,
		recorder,
		logger,
		cfg.Retry,
		cfg.ControlPlaneURL,
	)

	if cfg.Telemetry.Metrics.ListenAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Telemetry.Metrics.ListenAddr); err != nil {
				logger.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		backend: backend,
		engine:  engine,
		orch:    orch,
		tracer:  tracer,
		metrics: metrics,
	}

	shutdown := func() {
		a.engine.Stop()
		_ = a.backend.Close()
		_ = a.store.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tracer.Shutdown(shutdownCtx)
	}
	return a, shutdown, nil
}
