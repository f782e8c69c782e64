package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"arclimb/internal/config"
	"arclimb/internal/grpcserver"
	"arclimb/internal/pipeline"
	"arclimb/internal/server"
	"arclimb/internal/service"
)

// Version is reported by the version command.
var Version = "0.3.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, r *Root) error

// Root wires CLI commands to the service and the job pipeline.
type Root struct {
	svc      *service.Service
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	refOf    func(path string) string
	gatherer prometheus.Gatherer
	serveFn  serverFunc
}

// NewRoot constructs the CLI root. refOf maps file arguments to image
// references; gatherer backs the /metrics endpoint of serve.
func NewRoot(svc *service.Service, pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, refOf func(string) string, gatherer prometheus.Gatherer) *Root {
	r := &Root{
		svc:      svc,
		cfg:      cfg,
		log:      logger,
		refOf:    refOf,
		gatherer: gatherer,
		serveFn:  defaultServe,
	}
	if pl != nil {
		r.pipeline = pl
	}
	if r.refOf == nil {
		r.refOf = func(p string) string { return p }
	}
	return r
}

// defaultServe runs the HTTP and gRPC servers until interrupted.
func defaultServe(ctx context.Context, r *Root) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipe, _ := r.pipeline.(*pipeline.Pipeline)
	httpServer, err := server.NewServer(server.Config{
		Addr:        r.cfg.Server.HTTPAddr,
		Service:     r.svc,
		Pipeline:    pipe,
		Gatherer:    r.gatherer,
		WatchPaths:  r.cfg.Server.WatchPaths,
		AutoConnect: r.cfg.Server.AutoConnect,
		RefOf:       r.refOf,
		Logger:      r.log.With("component", "http"),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Start(gctx) })
	if r.cfg.Server.GRPCAddr != "" {
		g.Go(func() error {
			return grpcserver.New(r.svc, r.log.With("component", "grpc")).Start(gctx, r.cfg.Server.GRPCAddr)
		})
	}
	return g.Wait()
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, fmt.Errorf("job pipeline not available")
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	id, err := r.pipeline.Submit(job)
	if err != nil {
		return pipeline.Result{}, err
	}
	r.log.Debug("job queued", "type", job.Type, "id", id)

	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == id {
				return res, res.Error
			}
		}
	}
}
