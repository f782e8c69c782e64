package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arclimb/internal/edge"
	"arclimb/internal/geometry"
	"arclimb/internal/graph"
	"arclimb/internal/imagestore"
	"arclimb/internal/locate"
	"arclimb/internal/pipeline"
	"arclimb/internal/query"
	"arclimb/internal/service"
	"arclimb/internal/watch"
)

// Config wires a Server to the service and its background machinery.
type Config struct {
	Addr     string
	Service  *service.Service
	Pipeline *pipeline.Pipeline
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// WatchPaths are directories whose new images are admitted automatically.
	WatchPaths  []string
	AutoConnect bool
	// RefOf maps watched file paths to image references.
	RefOf  func(path string) string
	Logger *slog.Logger
}

// Server exposes the alignment graph over HTTP.
type Server struct {
	cfg     Config
	svc     *service.Service
	pipe    *pipeline.Pipeline
	watcher *watch.Watcher
	hub     *hub
	log     *slog.Logger
	server  *http.Server
}

// NewServer creates a server. A watcher is set up when watch paths are given
// and a pipeline is available to run its jobs.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:  cfg,
		svc:  cfg.Service,
		pipe: cfg.Pipeline,
		hub:  newHub(cfg.Logger),
		log:  cfg.Logger,
	}

	if len(cfg.WatchPaths) > 0 && cfg.Pipeline != nil {
		w, err := watch.New(cfg.WatchPaths, cfg.Pipeline, watch.Options{
			Connect: cfg.AutoConnect,
			RefOf:   cfg.RefOf,
		}, cfg.Logger)
		if err != nil {
			cfg.Logger.Warn("Failed to set up watcher", "error", err)
		} else {
			s.watcher = w
			cfg.Logger.Info("Watcher initialized", "paths", cfg.WatchPaths)
		}
	}
	return s, nil
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			s.log.Error("Failed to start watcher", "error", err)
			return err
		}
	}
	go s.hub.run(ctx)
	if s.pipe != nil {
		go s.forwardResults(ctx)
	}

	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		if s.watcher != nil {
			_ = s.watcher.Stop()
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.cfg.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")

	r.HandleFunc("/nodes", s.handleListNodes).Methods("GET")
	r.HandleFunc("/nodes", s.handleAddNode).Methods("POST")
	r.HandleFunc("/nodes/{id}", s.handleGetNode).Methods("GET")
	r.HandleFunc("/nodes/{id}", s.handleSetMeta).Methods("PATCH")
	r.HandleFunc("/nodes/{id}", s.handleRemoveNode).Methods("DELETE")

	r.HandleFunc("/edges", s.handleListEdges).Methods("GET")
	r.HandleFunc("/edges", s.handleConnect).Methods("POST")
	r.HandleFunc("/edges/{a}/{b}", s.handleRemoveEdge).Methods("DELETE")

	r.HandleFunc("/query", s.handleQuery).Methods("GET")
	r.HandleFunc("/locate", s.handleLocate).Methods("POST")

	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.svc.Snapshot().Nodes()
	if nodes == nil {
		nodes = []graph.ImageNode{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

type nodeView struct {
	graph.ImageNode
	Neighbors []graph.NodeID `json:"neighbors"`
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := graph.NodeID(mux.Vars(r)["id"])
	g := s.svc.Snapshot()
	n, ok := g.Node(id)
	if !ok {
		writeError(w, graph.ErrUnknownNode)
		return
	}
	neighbors := []graph.NodeID{}
	for other := range g.Neighbors(id) {
		neighbors = append(neighbors, other.ID)
	}
	writeJSON(w, http.StatusOK, nodeView{ImageNode: n, Neighbors: neighbors})
}

type addNodeRequest struct {
	Ref     string `json:"ref"`
	Connect *bool  `json:"connect,omitempty"`
	Async   bool   `json:"async,omitempty"`
}

type addNodeResponse struct {
	ID          graph.NodeID            `json:"id"`
	Connections []service.ConnectResult `json:"connections,omitempty"`
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Ref == "" {
		http.Error(w, "body must be {\"ref\": ...}", http.StatusBadRequest)
		return
	}
	connect := req.Connect == nil || *req.Connect

	if req.Async {
		s.submit(w, pipeline.Job{Type: pipeline.JobAdmit, Refs: []string{req.Ref}, Options: map[string]any{"connect": connect}})
		return
	}

	id, err := s.svc.AddImage(r.Context(), req.Ref)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := addNodeResponse{ID: id}
	if connect {
		if resp.Connections, err = s.svc.ConnectAll(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

type setMetaRequest struct {
	Meta map[string]string `json:"meta"`
}

// handleSetMeta replaces a node's metadata; an empty map clears it.
func (s *Server) handleSetMeta(w http.ResponseWriter, r *http.Request) {
	var req setMetaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Meta == nil {
		http.Error(w, "body must be {\"meta\": {...}}", http.StatusBadRequest)
		return
	}
	id := graph.NodeID(mux.Vars(r)["id"])
	if err := s.svc.SetMeta(r.Context(), id, req.Meta); err != nil {
		writeError(w, err)
		return
	}
	n, _ := s.svc.Snapshot().Node(id)
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveNode(r.Context(), graph.NodeID(mux.Vars(r)["id"])); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	edges := s.svc.Snapshot().Edges()
	if edges == nil {
		edges = []*graph.Edge{}
	}
	writeJSON(w, http.StatusOK, edges)
}

type connectRequest struct {
	A string `json:"a"`
	B string `json:"b"`
	// Correspondences, when given, replace the matcher. Src lies in A.
	Correspondences []geometry.Correspondence `json:"correspondences,omitempty"`
}

// handleConnect runs connect_if_valid. An evaluated pair that is not
// admitted is a normal answer, not an error.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.A == "" || req.B == "" {
		http.Error(w, "body must be {\"a\": ..., \"b\": ...}", http.StatusBadRequest)
		return
	}
	var (
		d   edge.Decision
		err error
	)
	if len(req.Correspondences) > 0 {
		d, err = s.svc.ConnectWith(r.Context(), graph.NodeID(req.A), graph.NodeID(req.B), req.Correspondences)
	} else {
		d, err = s.svc.Connect(r.Context(), graph.NodeID(req.A), graph.NodeID(req.B))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if d.Admitted {
		status = http.StatusCreated
	}
	writeJSON(w, status, d)
}

func (s *Server) handleRemoveEdge(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.svc.RemoveEdge(r.Context(), graph.NodeID(vars["a"]), graph.NodeID(vars["b"])); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	src, dst := q.Get("src"), q.Get("dst")
	x, errX := strconv.ParseFloat(q.Get("x"), 64)
	y, errY := strconv.ParseFloat(q.Get("y"), 64)
	if src == "" || dst == "" || errX != nil || errY != nil {
		http.Error(w, "query needs src, x, y and dst", http.StatusBadRequest)
		return
	}
	p := geometry.Point{X: x, Y: y}

	if explain, _ := strconv.ParseBool(q.Get("explain")); explain {
		candidates, err := s.svc.Explain(r.Context(), graph.NodeID(src), p, graph.NodeID(dst))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, candidates)
		return
	}

	res, err := s.svc.Query(r.Context(), graph.NodeID(src), p, graph.NodeID(dst))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type locateRequest struct {
	Ref   string `json:"ref"`
	Query *struct {
		X   float64 `json:"x"`
		Y   float64 `json:"y"`
		Dst string  `json:"dst"`
	} `json:"query,omitempty"`
}

type locateResponse struct {
	Node            graph.ImageNode     `json:"node"`
	Score           float64             `json:"score"`
	Correspondences int                 `json:"correspondences"`
	Query           *service.ImageQuery `json:"query,omitempty"`
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	var req locateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Ref == "" {
		http.Error(w, "body must be {\"ref\": ...}", http.StatusBadRequest)
		return
	}
	if req.Query != nil {
		iq, err := s.svc.QueryFromImage(r.Context(), req.Ref, geometry.Point{X: req.Query.X, Y: req.Query.Y}, graph.NodeID(req.Query.Dst))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, locateResponse{
			Node:            iq.Entry.Node,
			Score:           iq.Entry.Score,
			Correspondences: iq.Entry.Count(),
			Query:           &iq,
		})
		return
	}
	m, err := s.svc.Locate(r.Context(), req.Ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locateResponse{Node: m.Node, Score: m.Score, Correspondences: m.Count()})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	recs, err := s.svc.Jobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil || job.Type == "" {
		http.Error(w, "body must be a job with a type", http.StatusBadRequest)
		return
	}
	s.submit(w, job)
}

func (s *Server) submit(w http.ResponseWriter, job pipeline.Job) {
	if s.pipe == nil {
		http.Error(w, "job pipeline not running", http.StatusServiceUnavailable)
		return
	}
	id, err := s.pipe.Submit(job)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.pipe == nil {
		http.Error(w, "job pipeline not running", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipe.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// forwardResults pushes every job result to websocket clients.
func (s *Server) forwardResults(ctx context.Context) {
	resCh, unsubscribe := s.pipe.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(res)
			if err != nil {
				continue
			}
			s.hub.publish(payload)
		}
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, geometry.ErrInvalidPoint):
		return http.StatusBadRequest
	case errors.Is(err, graph.ErrUnknownNode),
		errors.Is(err, graph.ErrUnknownEdge),
		errors.Is(err, imagestore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrDuplicateNode),
		errors.Is(err, graph.ErrDuplicateEdge):
		return http.StatusConflict
	case errors.Is(err, query.ErrNoPath),
		errors.Is(err, query.ErrUnmappable),
		errors.Is(err, locate.ErrNoMatch),
		errors.Is(err, graph.ErrSelfEdge),
		errors.Is(err, imagestore.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// writeJSON encodes v before committing the status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
