package domain

import "context"

// MutateFunc changes a private copy of a job. Returning an error aborts the
// update without persisting anything.
type MutateFunc func(job *Job) error

// JobStore is the driven port for job persistence. It is the single source of
// truth for jobs and their file entries.
type JobStore interface {
	Create(ctx context.Context, sourceName string, urls []string) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// List returns all jobs, newest first.
	List(ctx context.Context) ([]Job, error)
	// FindQueued returns queued jobs, oldest first.
	FindQueued(ctx context.Context, limit int) ([]Job, error)
	// Update applies fn as one atomic read-modify-write on the job. A job that
	// no longer exists yields ErrJobNotFound and nothing is written.
	Update(ctx context.Context, id string, fn MutateFunc) (*Job, error)
	// Delete removes the job; deleting a missing job is not an error.
	Delete(ctx context.Context, id string) error
}

// ProgressFunc receives intermediate progress ticks from a downloader.
type ProgressFunc func(phase string, percent int)

// DownloadRequest describes one URL fetch. Format, Quality and ExtractAudio
// are passed through from configuration untouched.
type DownloadRequest struct {
	URL          string
	Destination  string
	Format       string
	Quality      string
	ExtractAudio bool
}

// Downloader is the driven port for the external media-fetching capability.
// A nil error means the URL was fetched into req.Destination.
type Downloader interface {
	Download(ctx context.Context, req DownloadRequest, progress ProgressFunc) error
}

// Workspace manages the temporary artifacts of a job. Staging is scoped to
// one run so a superseded run cannot disturb its successor.
type Workspace interface {
	// Prepare returns an empty staging directory for one work item.
	Prepare(jobID string, attempt int, key string) (string, error)
	// Promote moves a finished work item into the job's output folder and
	// returns the paths it created.
	Promote(jobID string, attempt int, key, sourceName string) ([]string, error)
	// Discard deletes what one run left in staging.
	Discard(jobID string, attempt int) error
	// Remove deletes everything staged for the job.
	Remove(jobID string) error
}

// Publisher is the driven port of the notification bus.
type Publisher interface {
	Publish(event Event)
}
