package commands

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/openrollout/rollout/pkg/backend"
	"github.com/openrollout/rollout/pkg/checkpoint"
	"github.com/openrollout/rollout/pkg/config"
	"github.com/openrollout/rollout/pkg/engine"
	"github.com/openrollout/rollout/pkg/history"
	"github.com/openrollout/rollout/pkg/telemetry"
)

// app bundles the wired components a command needs.
type app struct {
	settings *config.Settings
	loader   *config.Loader
	engine   *engine.Engine
	history  *history.SQLiteStore
	logger   *telemetry.Logger
	tracer   *telemetry.Tracer
}

// newApp assembles the engine from the settings file and flags.
func newApp(ctx context.Context) (*app, error) {
	loader := config.NewLoader()
	settings, err := loader.LoadSettings(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if verbose {
		settings.LogLevel = "debug"
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.Logging.Level = settings.LogLevel
	tcfg.Logging.Format = settings.LogFormat
	if settings.TracingExporter != "" {
		tcfg.Tracing.Exporter = settings.TracingExporter
	}
	tcfg.Tracing.Enabled = settings.TracingExporter != "" && settings.TracingExporter != "none"
	tcfg.Tracing.Endpoint = settings.TracingEndpoint
	tcfg.Metrics.Enabled = settings.MetricsAddr != ""
	if err := tcfg.Validate(); err != nil {
		return nil, fmt.Errorf("telemetry config: %w", err)
	}

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return nil, err
	}
	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return nil, err
	}

	if settings.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(settings.MetricsAddr, metrics.Handler()); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	binary := settings.BackendBinary
	if binary == "" {
		return nil, fmt.Errorf("backend_binary must be set in %s", configPath)
	}
	opBackend, err := backend.NewExecBackend(binary, "", logger.NewComponentLogger("backend"))
	if err != nil {
		return nil, err
	}
	stateBackend, err := backend.NewFileStateBackend(settings.StateFile)
	if err != nil {
		return nil, err
	}

	store, err := history.NewSQLiteStore(history.Config{Path: settings.HistoryDB})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Backend:                opBackend,
		State:                  stateBackend,
		History:                store,
		Confirmer:              newPromptConfirmer(),
		Checkpoints:            checkpoint.NewStore(settings.CheckpointDir),
		MaxConcurrency:         settings.MaxConcurrency,
		MaxManualInterventions: settings.MaxManualInterventions,
		Logger:                 logger,
		Metrics:                metrics,
		Tracer:                 tracer,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		settings: settings,
		loader:   loader,
		engine:   eng,
		history:  store,
		logger:   logger,
		tracer:   tracer,
	}, nil
}

// Close releases the app's resources.
func (a *app) Close(ctx context.Context) {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.Warn().Err(err).Msg("closing history store")
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("shutting down tracer")
		}
	}
}
