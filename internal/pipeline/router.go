package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"arclimb/internal/edge"
	"arclimb/internal/fsutil"
	"arclimb/internal/graph"
	"arclimb/internal/service"
)

// constructor is the part of the service construction jobs drive.
type constructor interface {
	AddImage(ctx context.Context, ref string) (graph.NodeID, error)
	Connect(ctx context.Context, a, b graph.NodeID) (edge.Decision, error)
	ConnectAll(ctx context.Context, id graph.NodeID) ([]service.ConnectResult, error)
	FindByRef(ref string) (graph.ImageNode, bool)
}

// refFunc turns a file path found by a scan into an image reference.
type refFunc func(path string) string

type listFunc func(root string) ([]string, error)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log    *slog.Logger
	svc    constructor
	refOf  refFunc
	listFn listFunc
}

// NewRouter returns the Processor for construction jobs. refOf maps scanned
// file paths to references; nil uses the path itself.
func NewRouter(svc constructor, refOf func(path string) string, logger *slog.Logger) Processor {
	if refOf == nil {
		refOf = func(p string) string { return p }
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &router{log: logger, svc: svc, refOf: refOf, listFn: fsutil.ListImages}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobAdmit:
		return r.handleAdmit(ctx, job)
	case JobConnect:
		return r.handleConnect(ctx, job)
	case JobConnectAll:
		return r.handleConnectAll(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// connectOption reads the "connect" option, defaulting to true.
func connectOption(job Job) bool {
	if v, ok := job.Options["connect"].(bool); ok {
		return v
	}
	return true
}

func (r *router) handleAdmit(ctx context.Context, job Job) Result {
	if len(job.Refs) == 0 {
		return Result{Job: job, Error: errors.New("admit job needs at least one image reference")}
	}
	admitted, edges, skipped, errs := r.admit(ctx, job.Refs, connectOption(job))
	meta := map[string]any{
		"admitted":    admitted,
		"edges_added": edges,
		"skipped":     skipped,
	}
	return Result{Job: job, Meta: meta, Error: errors.Join(errs...)}
}

// admit adds refs one by one. Refs already in the graph are skipped, not
// failed, so a rescan of the same directory is harmless.
func (r *router) admit(ctx context.Context, refs []string, connect bool) (admitted []string, edges int, skipped int, errs []error) {
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return admitted, edges, skipped, append(errs, err)
		}
		if _, ok := r.svc.FindByRef(ref); ok {
			skipped++
			continue
		}
		id, err := r.svc.AddImage(ctx, ref)
		if errors.Is(err, graph.ErrDuplicateNode) {
			skipped++
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("admit %s: %w", ref, err))
			continue
		}
		admitted = append(admitted, string(id))
		if !connect {
			continue
		}
		results, err := r.svc.ConnectAll(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("connect %s: %w", ref, err))
			continue
		}
		for _, res := range results {
			if res.Decision.Admitted {
				edges++
			}
		}
	}
	return admitted, edges, skipped, errs
}

func (r *router) handleConnect(ctx context.Context, job Job) Result {
	if len(job.Nodes) != 2 {
		return Result{Job: job, Error: fmt.Errorf("connect job needs two nodes, got %d", len(job.Nodes))}
	}
	d, err := r.svc.Connect(ctx, graph.NodeID(job.Nodes[0]), graph.NodeID(job.Nodes[1]))
	meta := map[string]any{
		"edge_added":      d.Admitted,
		"reason":          d.Reason,
		"confidence":      d.Confidence,
		"correspondences": d.Correspondences,
		"inliers":         d.Inliers,
	}
	return Result{Job: job, Meta: meta, Error: err}
}

func (r *router) handleConnectAll(ctx context.Context, job Job) Result {
	if len(job.Nodes) != 1 {
		return Result{Job: job, Error: fmt.Errorf("connect-all job needs one node, got %d", len(job.Nodes))}
	}
	results, err := r.svc.ConnectAll(ctx, graph.NodeID(job.Nodes[0]))
	edges := 0
	for _, res := range results {
		if res.Decision.Admitted {
			edges++
		}
	}
	return Result{Job: job, Meta: map[string]any{"evaluated": len(results), "edges_added": edges}, Error: err}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	if job.Dir == "" {
		return Result{Job: job, Error: errors.New("scan job needs a directory")}
	}
	paths, err := r.listFn(job.Dir)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("scan %s: %w", job.Dir, err)}
	}
	refs := make([]string, len(paths))
	for i, p := range paths {
		refs[i] = r.refOf(p)
	}
	r.log.Info("Scan found images", "dir", job.Dir, "images", len(refs))
	admitted, edges, skipped, errs := r.admit(ctx, refs, connectOption(job))
	meta := map[string]any{
		"images":      len(refs),
		"admitted":    admitted,
		"edges_added": edges,
		"skipped":     skipped,
	}
	return Result{Job: job, Meta: meta, Error: errors.Join(errs...)}
}
