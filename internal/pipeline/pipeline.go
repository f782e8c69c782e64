package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"arclimb/internal/logging"
	"arclimb/internal/storage"
)

// JobType enumerates supported construction jobs.
type JobType string

const (
	// JobAdmit adds each image in Refs and connects it to the graph.
	JobAdmit JobType = "admit"
	// JobConnect tries to connect the two nodes in Nodes.
	JobConnect JobType = "connect"
	// JobConnectAll connects Nodes[0] with every node it has no edge to.
	JobConnectAll JobType = "connect-all"
	// JobScan admits every image found under the directory in Dir.
	JobScan JobType = "scan"
)

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single construction request.
type Job struct {
	ID      string         `json:"id"`
	Type    JobType        `json:"type"`
	Refs    []string       `json:"refs,omitempty"`
	Nodes   []string       `json:"nodes,omitempty"`
	Dir     string         `json:"dir,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job            `json:"job"`
	Error error          `json:"-"`
	Meta  map[string]any `json:"meta"`
}

// MarshalJSON renders Error as a string.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias(r), errString(r.Error)})
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Options size the worker pool.
type Options struct {
	Workers   int
	QueueSize int
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// New starts a Pipeline with opts.Workers workers running processor.
func New(ctx context.Context, opts Options, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = opts.Workers * 2
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, opts.QueueSize),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the processing queue and returns its ID, generating
// one when the job has none.
func (p *Pipeline) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = string(job.Type) + "-" + uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", errors.New("pipeline stopped")
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		nodesJSON, _ := json.Marshal(slices.Concat(job.Nodes, job.Refs))
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			NodesJSON:   string(nodesJSON),
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		}
		return "", ErrQueueFull
	}
	return job.ID, nil
}

// Stop signals workers to exit and waits for completion. Queued jobs that
// have not started are dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, slices.Concat(job.Nodes, job.Refs), job.Options)

	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}
	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"refs":    job.Refs,
			"nodes":   job.Nodes,
			"options": job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
	}

	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
