package http

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/jthickma/ytbatch/internal/domain"
)

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID              string       `json:"id"`
	SourceName      string       `json:"source_name"`
	Status          string       `json:"status"`
	URLs            []string     `json:"urls"`
	Files           orderedFiles `json:"files"`
	Total           int          `json:"total"`
	Progress        int          `json:"progress"`
	OverallProgress int          `json:"overall_progress"`
	Attempts        int          `json:"attempts"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       string       `json:"created_at"`
	StartedAt       string       `json:"started_at,omitempty"`
	FinishedAt      string       `json:"finished_at,omitempty"`
	UpdatedAt       string       `json:"updated_at"`
}

// orderedFiles encodes file entries as a JSON object keyed by work-item key,
// in processing order.
type orderedFiles []domain.FileState

func (f orderedFiles) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fs := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(fs.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(fs)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func jobToResponse(job *domain.Job) jobResponse {
	urls := job.URLs
	if urls == nil {
		urls = []string{}
	}
	return jobResponse{
		ID:              job.ID,
		SourceName:      job.SourceName,
		Status:          string(job.Status),
		URLs:            urls,
		Files:           orderedFiles(job.Files),
		Total:           job.Total,
		Progress:        job.Progress,
		OverallProgress: job.OverallProgress,
		Attempts:        job.Attempts,
		Error:           job.Error,
		CreatedAt:       formatTime(job.CreatedAt),
		StartedAt:       formatOptional(job.StartedAt),
		FinishedAt:      formatOptional(job.FinishedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
