package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ligustah/dgcart/internal/model"
)

// Lister returns the jobs to watch.
type Lister func(ctx context.Context) ([]model.DownloadJob, error)

// WatchOptions configures a Watcher.
type WatchOptions struct {
	// Output is where to write progress lines.
	// Default: os.Stdout
	Output io.Writer

	// Interval is how often jobs are listed and polled.
	// Default: 5s
	Interval time.Duration

	// StopWhenDone stops the watcher once every job is complete.
	StopWhenDone bool
}

// Line is the state of one job after a poll.
type Line struct {
	Job      model.DownloadJob
	Progress Progress
}

// Watcher periodically lists jobs, polls their progress and prints one line
// per job.
type Watcher struct {
	opts   WatchOptions
	list   Lister
	poller *Poller

	mu        sync.Mutex
	startTime time.Time
	last      []Line
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	stopped   bool
}

// NewWatcher creates a Watcher.
func NewWatcher(list Lister, poller *Poller, opts WatchOptions) *Watcher {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Interval == 0 {
		opts.Interval = 5 * time.Second
	}
	return &Watcher{
		opts:   opts,
		list:   list,
		poller: poller,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start polls once immediately and then at every interval until Stop is
// called or ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.startTime = time.Now()
	go w.updateLoop(ctx)
}

// Stop stops the watcher and waits for the final status line.
func (w *Watcher) Stop() {
	w.mu.Lock()
	started := w.started
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
	if started {
		<-w.doneCh
	}
}

// Done is closed when the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }

func (w *Watcher) updateLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		lines, err := w.Tick(ctx)
		if err == nil {
			w.print(lines)
			if w.opts.StopWhenDone && allComplete(lines) {
				w.printFinalStatus()
				return
			}
		} else if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(w.opts.Output, "[dgcart] Listing downloads failed: %v\n", err)
		}

		select {
		case <-w.stopCh:
			w.printFinalStatus()
			return
		case <-ctx.Done():
			w.printFinalStatus()
			return
		case <-ticker.C:
		}
	}
}

// Tick lists the jobs and polls each once. Superseded polls are dropped.
func (w *Watcher) Tick(ctx context.Context) ([]Line, error) {
	jobs, err := w.list(ctx)
	if err != nil {
		return nil, err
	}

	lines := make([]Line, 0, len(jobs))
	for _, job := range jobs {
		prog, err := w.poller.Poll(ctx, job)
		if err != nil {
			continue
		}
		lines = append(lines, Line{Job: job, Progress: prog})
	}

	w.mu.Lock()
	w.last = lines
	w.mu.Unlock()
	return lines, nil
}

func (w *Watcher) print(lines []Line) {
	for _, l := range lines {
		fmt.Fprintf(w.opts.Output, "[dgcart] #%d %s | %s | %s | %s\n",
			l.Job.ID,
			l.Job.FileName,
			l.Job.Status,
			l.Progress,
			formatBytes(l.Job.Size),
		)
	}
}

func (w *Watcher) printFinalStatus() {
	w.mu.Lock()
	lines := w.last
	start := w.startTime
	w.mu.Unlock()

	complete := 0
	for _, l := range lines {
		if l.Progress.Kind == KindComplete {
			complete++
		}
	}
	fmt.Fprintf(w.opts.Output, "[dgcart] Watched %d downloads for %s | %d complete\n",
		len(lines),
		formatDuration(time.Since(start)),
		complete,
	)
}

func allComplete(lines []Line) bool {
	for _, l := range lines {
		if l.Progress.Kind != KindComplete {
			return false
		}
	}
	return true
}
