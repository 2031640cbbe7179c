package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jthickma/ytbatch/internal/domain"
	"github.com/jthickma/ytbatch/internal/keylock"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    source_name      TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'queued',
    urls             TEXT NOT NULL,
    files            TEXT NOT NULL DEFAULT '[]',
    total            INTEGER NOT NULL DEFAULT 0,
    attempts         INTEGER NOT NULL DEFAULT 0,
    progress         INTEGER NOT NULL DEFAULT 0,
    overall_progress INTEGER NOT NULL DEFAULT 0,
    error            TEXT,
    created_at       INTEGER NOT NULL,
    started_at       INTEGER,
    finished_at      INTEGER,
    updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
`

const selectJob = `SELECT id, source_name, status, urls, files, total, attempts, progress,
       overall_progress, COALESCE(error, ''), created_at, started_at, finished_at, updated_at
  FROM jobs`

// busyTimeout bounds how long a writer waits for another process holding the
// database write lock.
const busyTimeout = 10 * time.Second

// Repository implements domain.JobStore using SQLite. Every Update runs in a
// BEGIN IMMEDIATE transaction so writers in other processes sharing the file
// cannot interleave a read-modify-write cycle; within the process a per-job
// lock keeps goroutines from queueing on the database lock.
type Repository struct {
	db    *sql.DB
	locks *keylock.Locker
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		dbPath, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Repository{db: db, locks: keylock.New()}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new queued job.
func (r *Repository) Create(ctx context.Context, sourceName string, urls []string) (*domain.Job, error) {
	now := time.Now()
	job := &domain.Job{
		ID:         uuid.NewString(),
		SourceName: sourceName,
		Status:     domain.StatusQueued,
		URLs:       append([]string(nil), urls...),
		Total:      len(urls),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	rawURLs, err := json.Marshal(job.URLs)
	if err != nil {
		return nil, err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source_name, status, urls, files, total, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '[]', ?, ?, ?)`,
		job.ID, job.SourceName, job.Status, string(rawURLs), job.Total, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	return scanJob(row)
}

// List returns all jobs, newest first.
func (r *Repository) List(ctx context.Context) ([]domain.Job, error) {
	return r.query(ctx, selectJob+` ORDER BY created_at DESC, rowid DESC`)
}

// FindQueued returns queued jobs up to limit, oldest first.
func (r *Repository) FindQueued(ctx context.Context, limit int) ([]domain.Job, error) {
	return r.query(ctx,
		selectJob+` WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		domain.StatusQueued, limit,
	)
}

// Update atomically applies fn to a job and persists the result.
func (r *Repository) Update(ctx context.Context, id string, fn domain.MutateFunc) (*domain.Job, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	job.RecomputeProgress()
	job.UpdatedAt = time.Now()

	rawFiles, err := json.Marshal(job.Files)
	if err != nil {
		return nil, err
	}
	rawURLs, err := json.Marshal(job.URLs)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, urls = ?, files = ?, total = ?, attempts = ?, progress = ?,
		        overall_progress = ?, error = ?, started_at = ?, finished_at = ?, updated_at = ?
		  WHERE id = ?`,
		job.Status, string(rawURLs), string(rawFiles), job.Total, job.Attempts, job.Progress,
		job.OverallProgress, nullString(job.Error), nullTime(job.StartedAt), nullTime(job.FinishedAt),
		job.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job %s: %w", id, err)
	}
	return job, nil
}

// Delete removes a job.
func (r *Repository) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	_, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job               domain.Job
		status            string
		rawURLs, rawFiles string
		created, updated  int64
		started, finished sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.SourceName, &status, &rawURLs, &rawFiles, &job.Total, &job.Attempts,
		&job.Progress, &job.OverallProgress, &job.Error, &created, &started, &finished, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawURLs), &job.URLs); err != nil {
		return nil, fmt.Errorf("decode urls of job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(rawFiles), &job.Files); err != nil {
		return nil, fmt.Errorf("decode files of job %s: %w", job.ID, err)
	}
	job.Status = domain.JobStatus(status)
	job.CreatedAt = time.Unix(0, created)
	job.UpdatedAt = time.Unix(0, updated)
	job.StartedAt = fromNullTime(started)
	job.FinishedAt = fromNullTime(finished)
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
