package domain

import (
	"fmt"
	"time"
)

// JobStatus represents the processing state of a job.
type JobStatus string

const (
	StatusQueued              JobStatus = "queued"
	StatusRunning             JobStatus = "running"
	StatusCompleted           JobStatus = "completed"
	StatusCompletedWithErrors JobStatus = "completed_with_errors"
	StatusFailed              JobStatus = "failed"
	StatusCancelled           JobStatus = "cancelled"
)

// IsTerminal reports whether no automatic transition leaves the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the job is waiting for or holding a dispatcher slot.
func (s JobStatus) IsActive() bool {
	return s == StatusQueued || s == StatusRunning
}

// FileStatus represents the state of a single URL within a job.
type FileStatus string

const (
	FileQueued      FileStatus = "queued"
	FileDownloading FileStatus = "downloading"
	FileProcessing  FileStatus = "processing"
	FileCompleted   FileStatus = "completed"
	FileFailed      FileStatus = "failed"
)

// IsTerminal reports whether the file reached completed or failed.
func (s FileStatus) IsTerminal() bool {
	return s == FileCompleted || s == FileFailed
}

// FileState is the per-URL work item of a job.
type FileState struct {
	Key       string     `json:"key"`
	URL       string     `json:"url"`
	Status    FileStatus `json:"status"`
	Progress  int        `json:"progress"`
	Phase     string     `json:"phase,omitempty"`
	Message   string     `json:"message,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Job is one batch-download request derived from an uploaded URL list.
type Job struct {
	ID              string
	SourceName      string
	Status          JobStatus
	URLs            []string
	Files           []FileState
	Total           int
	Attempts        int
	Progress        int
	OverallProgress int
	Error           string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	UpdatedAt       time.Time
}

// FileKey returns the work-item key for the URL at the zero-based index.
func FileKey(index int) string {
	return fmt.Sprintf("video_%03d", index+1)
}

// File returns the file entry with the given key, or nil.
func (j *Job) File(key string) *FileState {
	for i := range j.Files {
		if j.Files[i].Key == key {
			return &j.Files[i]
		}
	}
	return nil
}

// PutFile inserts the entry or replaces the one with the same key, keeping
// insertion order.
func (j *Job) PutFile(fs FileState) {
	if existing := j.File(fs.Key); existing != nil {
		*existing = fs
		return
	}
	j.Files = append(j.Files, fs)
}

// Clone returns a deep copy so callers never share slices with the store.
func (j *Job) Clone() *Job {
	c := *j
	c.URLs = append([]string(nil), j.URLs...)
	c.Files = append([]FileState(nil), j.Files...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Reset clears all run state and puts the job back in the queue.
// Retry is a full restart, not a resume.
func (j *Job) Reset() {
	j.Status = StatusQueued
	j.Files = nil
	j.Error = ""
	j.Progress = 0
	j.OverallProgress = 0
	j.Total = len(j.URLs)
	j.StartedAt = nil
	j.FinishedAt = nil
}
