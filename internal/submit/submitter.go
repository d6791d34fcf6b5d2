// Package submit drives one cart submission from the submit request to the
// job record the server created for it.
//
//	Idle -> Submitting -> SubmitFailed | Submitted
//	Submitted -> FetchingJob -> JobUnavailable | JobReady
//	JobReady -> DownloadTriggered (only when the job is COMPLETE)
//
// A submission counts as successful only when both the submit and the job
// lookup succeeded.
package submit

import (
	"context"
	"fmt"
	"sync"

	"github.com/ligustah/dgcart/internal/cart"
	"github.com/ligustah/dgcart/internal/model"
)

// State is a step of the submission.
type State int

const (
	Idle State = iota
	Submitting
	SubmitFailed
	Submitted
	FetchingJob
	JobUnavailable
	JobReady
	DownloadTriggered
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Submitting:
		return "SUBMITTING"
	case SubmitFailed:
		return "SUBMIT_FAILED"
	case Submitted:
		return "SUBMITTED"
	case FetchingJob:
		return "FETCHING_JOB"
	case JobUnavailable:
		return "JOB_UNAVAILABLE"
	case JobReady:
		return "JOB_READY"
	case DownloadTriggered:
		return "DOWNLOAD_TRIGGERED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CartSubmitter submits the cart. cart.Store implements it.
type CartSubmitter interface {
	Submit(ctx context.Context, p cart.SubmitParams) (int64, error)
}

// JobFetcher looks up one job. registry.Registry implements it.
type JobFetcher interface {
	Job(ctx context.Context, id int64) (model.DownloadJob, error)
}

// Trigger starts retrieval of a completed job. fetch.Fetcher implements it.
type Trigger interface {
	Trigger(ctx context.Context, job model.DownloadJob) error
}

// Outcome is the result of Run.
type Outcome struct {
	State      State
	DownloadID int64
	Job        *model.DownloadJob

	// Err is the failure that ended the run, or the trigger failure for a
	// run that otherwise succeeded.
	Err error
}

// Succeeded reports whether both the submission and the job lookup worked.
func (o Outcome) Succeeded() bool {
	return o.State == JobReady || o.State == DownloadTriggered
}

// Submitter runs submissions one at a time.
type Submitter struct {
	cart    CartSubmitter
	jobs    JobFetcher
	trigger Trigger

	// OnTransition is called after every state change. Optional.
	OnTransition func(from, to State)

	run   sync.Mutex
	mu    sync.Mutex
	state State
}

// New creates a Submitter. trigger may be nil, in which case completed jobs
// stay in JobReady.
func New(c CartSubmitter, jobs JobFetcher, trigger Trigger) *Submitter {
	return &Submitter{cart: c, jobs: jobs, trigger: trigger}
}

// State returns the current state.
func (s *Submitter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Submitter) to(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if s.OnTransition != nil {
		s.OnTransition(prev, next)
	}
}

// Run submits the cart and resolves the created job.
func (s *Submitter) Run(ctx context.Context, p cart.SubmitParams) Outcome {
	s.run.Lock()
	defer s.run.Unlock()

	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()

	s.to(Submitting)
	id, err := s.cart.Submit(ctx, p)
	if err == nil && id == cart.SubmitFailed {
		err = cart.ErrNoDownloadID
	}
	if err != nil {
		s.to(SubmitFailed)
		return Outcome{State: SubmitFailed, DownloadID: cart.SubmitFailed, Err: err}
	}
	s.to(Submitted)

	s.to(FetchingJob)
	job, err := s.jobs.Job(ctx, id)
	if err != nil {
		s.to(JobUnavailable)
		return Outcome{State: JobUnavailable, DownloadID: id, Err: fmt.Errorf("fetch download %d: %w", id, err)}
	}
	s.to(JobReady)

	out := Outcome{State: JobReady, DownloadID: id, Job: &job}
	if job.Status != model.StatusComplete || s.trigger == nil {
		return out
	}
	if err := s.trigger.Trigger(ctx, job); err != nil {
		out.Err = fmt.Errorf("trigger download %d: %w", id, err)
		return out
	}
	s.to(DownloadTriggered)
	out.State = DownloadTriggered
	return out
}
