// Package watch turns new image files in watched directories into admit jobs.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"arclimb/internal/fsutil"
	"arclimb/internal/pipeline"
)

// DefaultQuiet is how long a directory must stay idle before pending files
// are submitted. Cameras and copy tools write in bursts.
const DefaultQuiet = 2 * time.Second

// Submitter accepts construction jobs.
type Submitter interface {
	Submit(job pipeline.Job) (string, error)
}

// Event is a file change the watcher acted on.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created" or "modified"
	Time      time.Time `json:"time"`
}

// Watcher monitors directories and submits an admit job for every batch of
// new image files.
type Watcher struct {
	watcher *fsnotify.Watcher
	dirs    []string
	jobs    Submitter
	refOf   func(path string) string
	quiet   time.Duration
	connect bool
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]Event
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// Options configure a Watcher.
type Options struct {
	// Quiet is the debounce window; zero means DefaultQuiet.
	Quiet time.Duration
	// Connect is passed to admit jobs as the "connect" option.
	Connect bool
	// RefOf maps file paths to image references; nil keeps the path.
	RefOf func(path string) string
}

// New creates a Watcher over dirs. Call Start to begin watching.
func New(dirs []string, jobs Submitter, opts Options, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Quiet <= 0 {
		opts.Quiet = DefaultQuiet
	}
	if opts.RefOf == nil {
		opts.RefOf = func(p string) string { return p }
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		watcher: fw,
		dirs:    dirs,
		jobs:    jobs,
		refOf:   opts.RefOf,
		quiet:   opts.Quiet,
		connect: opts.Connect,
		log:     logger,
		pending: make(map[string]Event),
		done:    make(chan struct{}),
	}, nil
}

// Start adds the watch directories and begins processing events. It returns
// when ctx is cancelled or Stop is called, flushing pending files first.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("Watching directory", "dir", dir)
	}
	w.wg.Add(1)
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and submits whatever is still pending.
func (w *Watcher) Stop() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	w.flush()
	return err
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			var operation string
			switch {
			case event.Op.Has(fsnotify.Create):
				operation = "created"
			case event.Op.Has(fsnotify.Write):
				operation = "modified"
			default:
				continue
			}
			if !fsutil.IsImageFile(event.Name) || isHidden(event.Name) {
				continue
			}
			w.queue(Event{Path: event.Name, Operation: operation, Time: time.Now()})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("Filesystem watcher error", "error", err)

		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) queue(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[ev.Path] = ev
	if w.timer == nil {
		w.timer = time.AfterFunc(w.quiet, w.flush)
		return
	}
	w.timer.Reset(w.quiet)
}

// flush submits one admit job for all pending files that still exist.
func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]Event)
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	var refs []string
	for path := range pending {
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			continue
		}
		refs = append(refs, w.refOf(path))
	}
	if len(refs) == 0 {
		return
	}
	sort.Strings(refs)

	id, err := w.jobs.Submit(pipeline.Job{
		Type:    pipeline.JobAdmit,
		Refs:    refs,
		Options: map[string]any{"connect": w.connect},
	})
	if err != nil {
		w.log.Warn("Could not submit admit job", "images", len(refs), "error", err)
		return
	}
	w.log.Info("Submitted admit job", "job_id", id, "images", len(refs))
}

func isHidden(path string) bool {
	name := filepath.Base(path)
	return len(name) > 0 && name[0] == '.'
}
