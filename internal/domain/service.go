package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// JobService orchestrates job operations. The control methods validate
// commands against the current job state; the run methods are used by the
// dispatcher while it executes a claimed job.
type JobService struct {
	store     JobStore
	publisher Publisher
	workspace Workspace
	skip      SkipRule
	log       logrus.FieldLogger
}

// Option configures a JobService.
type Option func(*JobService)

// WithPublisher sends every state change to p.
func WithPublisher(p Publisher) Option {
	return func(s *JobService) { s.publisher = p }
}

// WithWorkspace lets Delete release a job's temporary artifacts.
func WithWorkspace(w Workspace) Option {
	return func(s *JobService) { s.workspace = w }
}

// WithSkipRule sets the unsupported-content rule used when counting work.
func WithSkipRule(r SkipRule) Option {
	return func(s *JobService) { s.skip = r }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *JobService) { s.log = l }
}

// NewJobService creates a new JobService.
func NewJobService(store JobStore, opts ...Option) *JobService {
	s := &JobService{
		store:     store,
		publisher: nopPublisher{},
		skip:      SkipRule{Markers: DefaultUnsupportedMarkers},
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SkipRule returns the unsupported-content rule in use.
func (s *JobService) SkipRule() SkipRule {
	return s.skip
}

// Submit creates a queued job from an uploaded URL list.
func (s *JobService) Submit(ctx context.Context, sourceName, payload string) (*Job, error) {
	urls := ParseURLList(payload)
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	job, err := s.store.Create(ctx, sourceName, urls)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.log.WithFields(logrus.Fields{"job_id": job.ID, "urls": len(urls)}).Info("job queued")
	s.publisher.Publish(NewEvent(EventJobCreated, job))
	return job, nil
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// List returns all jobs, newest first.
func (s *JobService) List(ctx context.Context) ([]Job, error) {
	return s.store.List(ctx)
}

// Cancel marks a queued or running job cancelled. A running job stops before
// its next URL.
func (s *JobService) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.Update(ctx, id, func(j *Job) error {
		if err := j.TransitionTo(StatusCancelled); err != nil {
			return err
		}
		now := time.Now()
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("job_id", id).Info("job cancelled")
	s.publisher.Publish(NewEvent(EventJobStatusChanged, job))
	return job, nil
}

// Retry puts a failed, cancelled or partially failed job back in the queue,
// discarding its previous run.
func (s *JobService) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.Update(ctx, id, func(j *Job) error {
		if !CanTransition(j.Status, StatusQueued) {
			return fmt.Errorf("%w: cannot retry %s job %s", ErrInvalidTransition, j.Status, j.ID)
		}
		j.Reset()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("job_id", id).Info("job requeued")
	s.publisher.Publish(NewEvent(EventJobStatusChanged, job))
	return job, nil
}

// Delete removes a job in any state together with its staged artifacts.
func (s *JobService) Delete(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if s.workspace != nil {
		if err := s.workspace.Remove(id); err != nil {
			s.log.WithField("job_id", id).WithError(err).Warn("failed to remove staged files")
		}
	}
	s.log.WithField("job_id", id).Info("job deleted")
	s.publisher.Publish(Event{Type: EventJobDeleted, JobID: id, Timestamp: time.Now()})
	return nil
}

// RecoverStale requeues jobs left running by a process that died. It must only
// run while no dispatcher is active on the store.
func (s *JobService) RecoverStale(ctx context.Context) (int, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, job := range jobs {
		if job.Status != StatusRunning {
			continue
		}
		updated, err := s.store.Update(ctx, job.ID, func(j *Job) error {
			if j.Status != StatusRunning {
				return ErrInvalidTransition
			}
			j.Reset()
			return nil
		})
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		s.publisher.Publish(NewEvent(EventJobStatusChanged, updated))
	}
	return recovered, nil
}

// FindQueued returns dispatchable jobs, oldest first.
func (s *JobService) FindQueued(ctx context.Context, limit int) ([]Job, error) {
	return s.store.FindQueued(ctx, limit)
}

// Claim moves a queued job to running and starts a new attempt. It fails with
// ErrInvalidTransition when the job was claimed or cancelled concurrently.
func (s *JobService) Claim(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.Update(ctx, id, func(j *Job) error {
		if err := j.TransitionTo(StatusRunning); err != nil {
			return err
		}
		now := time.Now()
		j.StartedAt = &now
		j.FinishedAt = nil
		j.Attempts++
		j.Total = s.skip.Dispatchable(j.URLs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(NewEvent(EventJobStatusChanged, job))
	return job, nil
}

// Proceed reports whether the run identified by attempt may start its next URL.
func (s *JobService) Proceed(ctx context.Context, id string, attempt int) (bool, error) {
	job, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return job.Status == StatusRunning && job.Attempts == attempt, nil
}

// BeginFile records a new work item in queued state.
func (s *JobService) BeginFile(ctx context.Context, id string, attempt int, key, url string) error {
	return s.updateFile(ctx, id, attempt, func(j *Job) error {
		if j.Status != StatusRunning {
			return fmt.Errorf("%w: job %s is %s", ErrStaleRun, j.ID, j.Status)
		}
		j.PutFile(FileState{Key: key, URL: url, Status: FileQueued, UpdatedAt: time.Now()})
		return nil
	}, key)
}

// SetFileStatus moves a work item to a non-terminal status.
func (s *JobService) SetFileStatus(ctx context.Context, id string, attempt int, key string, status FileStatus) error {
	return s.updateFile(ctx, id, attempt, func(j *Job) error {
		f := j.File(key)
		if f == nil || f.Status.IsTerminal() {
			return fmt.Errorf("%w: file %s not active", ErrStaleRun, key)
		}
		f.Status = status
		f.UpdatedAt = time.Now()
		return nil
	}, key)
}

// FileProgress records a downloader tick without changing the file status.
func (s *JobService) FileProgress(ctx context.Context, id string, attempt int, key, phase string, percent int) error {
	percent = min(max(percent, 0), 100)
	return s.updateFile(ctx, id, attempt, func(j *Job) error {
		f := j.File(key)
		if f == nil || f.Status.IsTerminal() {
			return fmt.Errorf("%w: file %s not active", ErrStaleRun, key)
		}
		f.Progress = percent
		f.Phase = phase
		f.UpdatedAt = time.Now()
		return nil
	}, key)
}

// FinishFile records the outcome of a work item; a nil cause means success.
func (s *JobService) FinishFile(ctx context.Context, id string, attempt int, key string, cause error) error {
	return s.updateFile(ctx, id, attempt, func(j *Job) error {
		f := j.File(key)
		if f == nil || f.Status.IsTerminal() {
			return fmt.Errorf("%w: file %s not active", ErrStaleRun, key)
		}
		if cause != nil {
			f.Status = FileFailed
			f.Progress = 0
			f.Message = cause.Error()
		} else {
			f.Status = FileCompleted
			f.Progress = 100
		}
		f.UpdatedAt = time.Now()
		return nil
	}, key)
}

// Finish derives the terminal status from the file outcomes. Jobs that are no
// longer running, such as cancelled ones, are left untouched.
func (s *JobService) Finish(ctx context.Context, id string, attempt int) (*Job, error) {
	job, err := s.store.Update(ctx, id, func(j *Job) error {
		if err := ownedBy(j, attempt); err != nil {
			return err
		}
		if j.Status != StatusRunning {
			return fmt.Errorf("%w: job %s is %s", ErrStaleRun, j.ID, j.Status)
		}
		now := time.Now()
		// Entries whose outcome was never recorded count as failures.
		for i := range j.Files {
			f := &j.Files[i]
			if !f.Status.IsTerminal() {
				f.Status = FileFailed
				f.Progress = 0
				f.Message = ErrNoOutcome.Error()
				f.UpdatedAt = now
			}
		}
		t := Tally(j.Files)
		to := StatusCompleted
		switch {
		case t.Failed == 0:
		case t.Failed == len(j.Files):
			to = StatusFailed
			j.Error = "All downloads failed"
		default:
			to = StatusCompletedWithErrors
			j.Error = fmt.Sprintf("Completed %d files, %d failed", t.Completed, t.Failed)
		}
		if err := j.TransitionTo(to); err != nil {
			return err
		}
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(NewEvent(EventJobStatusChanged, job))
	return job, nil
}

// Fail marks the whole run failed after a systemic error.
func (s *JobService) Fail(ctx context.Context, id string, attempt int, reason string) (*Job, error) {
	job, err := s.store.Update(ctx, id, func(j *Job) error {
		if err := ownedBy(j, attempt); err != nil {
			return err
		}
		if err := j.TransitionTo(StatusFailed); err != nil {
			return err
		}
		j.Error = reason
		now := time.Now()
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(NewEvent(EventJobStatusChanged, job))
	return job, nil
}

func (s *JobService) updateFile(ctx context.Context, id string, attempt int, fn MutateFunc, key string) error {
	job, err := s.store.Update(ctx, id, func(j *Job) error {
		if err := ownedBy(j, attempt); err != nil {
			return err
		}
		// An in-flight URL may still report after a cancel; its result is kept.
		if j.Status != StatusRunning && j.Status != StatusCancelled {
			return fmt.Errorf("%w: job %s is %s", ErrStaleRun, j.ID, j.Status)
		}
		return fn(j)
	})
	if err != nil {
		return err
	}
	ev := NewEvent(EventFileProgress, job)
	if f := job.File(key); f != nil {
		fc := *f
		ev.File = &fc
	}
	s.publisher.Publish(ev)
	return nil
}

func ownedBy(j *Job, attempt int) error {
	if j.Attempts != attempt {
		return fmt.Errorf("%w: job %s attempt %d, run %d", ErrStaleRun, j.ID, j.Attempts, attempt)
	}
	return nil
}
