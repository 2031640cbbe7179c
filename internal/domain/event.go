package domain

import "time"

// EventType names a job state change.
type EventType string

const (
	EventJobCreated       EventType = "job_created"
	EventJobStatusChanged EventType = "job_status_changed"
	EventFileProgress     EventType = "file_progress"
	EventJobDeleted       EventType = "job_deleted"
	EventConfigUpdated    EventType = "config_updated"
)

// RuntimeConfig holds the settings that can change without a restart.
type RuntimeConfig struct {
	MaxConcurrentDownloads int    `json:"max_concurrent_downloads"`
	Format                 string `json:"download_format"`
	Quality                string `json:"download_quality"`
	ExtractAudio           bool   `json:"enable_audio_extraction"`
}

// Event carries a snapshot of what changed. Job is nil for job_deleted and
// config_updated, File is only set for file_progress and Config only for
// config_updated.
type Event struct {
	Type      EventType
	JobID     string
	Job       *Job
	File      *FileState
	Config    *RuntimeConfig
	Timestamp time.Time
}

// NewEvent snapshots the job so later mutations do not leak into the event.
func NewEvent(t EventType, job *Job) Event {
	ev := Event{Type: t, Timestamp: time.Now()}
	if job != nil {
		ev.JobID = job.ID
		ev.Job = job.Clone()
	}
	return ev
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
