package main

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/jonathan/mats/internal/artifact"
	"github.com/jonathan/mats/internal/config"
	"github.com/jonathan/mats/internal/observability"
	"github.com/jonathan/mats/internal/tools"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) (*logrus.Logger, error) {
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, out)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func newStore(cfg *config.Config, logger logrus.FieldLogger) (*artifact.Store, error) {
	store, err := artifact.NewStore(artifact.Options{
		Dir:        cfg.Storage.UploadDir,
		ResultsDir: cfg.Storage.ResultsDir,
		MaxBytes:   cfg.Storage.MaxUploadBytes(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	return store, nil
}

func newCatalog(cfg *config.Config, logger logrus.FieldLogger) *tools.Catalog {
	catalog := tools.NewDefaultCatalog(cfg.ToolOptions(), logger)
	for name, ok := range catalog.Health() {
		if !ok {
			logger.WithField("tool", name).Warn("Tool is not installed; requests for it will be rejected")
		}
	}
	return catalog
}
