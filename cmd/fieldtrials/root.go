package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fieldtrials/internal/blob"
	"fieldtrials/internal/config"
	"fieldtrials/internal/core"
	"fieldtrials/internal/importer"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fieldtrials",
		Short:         "Field trial plot layouts, imports and data packages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newImportCmd(), newExportCmd())
	return root
}

// app is the wired service plus the resources that must be released.
type app struct {
	cfg      config.Config
	svc      *core.Service
	registry *prometheus.Registry
	close    func() error
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Bootstrap()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, closeStore, err := core.OpenPersistentStore(ctx, cfg, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage, err)
	}
	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open blob store: %w", err), closeStore())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc := core.NewService(store,
		core.WithBlobStore(blobs),
		core.WithLogger(log.Logger),
		core.WithMetricsRecorder(core.NewPrometheusMetricsRecorder(reg)),
		core.WithTracer(core.NewLogTracer(log.Logger, 0)),
		core.WithImportMetrics(importer.NewMetrics(reg)),
		core.WithImportDefaults(core.ImportOptions(cfg)),
	)
	log.Info().
		Str("storage", string(cfg.Storage)).
		Str("blob", string(cfg.Blob.Driver)).
		Msg("service ready")
	return &app{cfg: cfg, svc: svc, registry: reg, close: closeStore}, nil
}
