package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"arclimb/internal/cli"
	"arclimb/internal/config"
	"arclimb/internal/imagestore"
	"arclimb/internal/logging"
	"arclimb/internal/pipeline"
	"arclimb/internal/service"
	"arclimb/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()
	images := imagestore.NewFileStore(cfg.Paths.ImageRoot, logger.With("component", "images"))
	svc, err := service.New(ctx, service.Deps{
		Images:     images,
		Matcher:    cli.NewMatcher(cfg, logger),
		Store:      store,
		Registerer: reg,
		Logger:     logger,
	}, cli.ServiceOptions(cfg))
	if err != nil {
		return err
	}

	pipe := pipeline.New(ctx, pipeline.Options{
		Workers:   cfg.Processing.Workers,
		QueueSize: cfg.Processing.QueueSize,
	}, logger.With("component", "pipeline"), store, pipeline.NewRouter(svc, images.Ref, logger))
	defer pipe.Stop()

	root := cli.NewRoot(svc, pipe, cfg, logger, images.Ref, reg)
	return cli.NewRootCmd(root).ExecuteContext(ctx)
}
