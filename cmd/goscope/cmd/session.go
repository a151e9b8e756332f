package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/database"
	"github.com/dbsmedya/goscope/internal/engine"
	"github.com/dbsmedya/goscope/internal/logger"
)

// session is the configuration, logger and engine shared by the phase commands.
type session struct {
	cfg    *config.Config
	log    *logger.Logger
	engine *engine.Engine
	ctx    context.Context
}

// openSession loads the configuration and applies the CLI overrides. When
// stdout carries machine output (--json, serve) logs go to stderr.
func openSession(machineOutput bool) (*session, error) {
	configFile := GetConfigFile()

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyOverrides(GetCLIOverrides())
	if machineOutput && (cfg.Logging.Output == "" || cfg.Logging.Output == "stdout") {
		cfg.Logging.Output = "stderr"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	e, err := engine.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	ctx := database.SetupSignalHandlerWithCallback(func(sig os.Signal) {
		log.Warnw("Received shutdown signal - finishing current entity", "signal", sig.String())
	})

	log.Debugw("Configuration loaded", "config", configFile,
		"sources", len(cfg.Sources), "targets", len(cfg.Targets))
	return &session{cfg: cfg, log: log, engine: e, ctx: ctx}, nil
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.engine.Close(ctx); err != nil {
		s.log.Warnw("Failed to close stores", "error", logger.SanitizeError(err))
	}
	_ = s.log.Sync()
}

// scopeFilter is the run scope from the configuration and flags.
func (s *session) scopeFilter() engine.ScopeFilter {
	return engine.ScopeFilter{Key: s.cfg.Run.Scope.Key, Value: s.cfg.Run.Scope.Value}
}
