// Package memory is a process-local JobStore for ephemeral deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jthickma/ytbatch/internal/domain"
	"github.com/jthickma/ytbatch/internal/keylock"
)

// Store keeps jobs in a map. The map lock is only held for lookups and
// swaps; read-modify-write cycles are serialized per job.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*domain.Job
	seq   map[string]int64
	next  int64
	locks *keylock.Locker
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		jobs:  make(map[string]*domain.Job),
		seq:   make(map[string]int64),
		locks: keylock.New(),
	}
}

// Create inserts a new queued job.
func (s *Store) Create(ctx context.Context, sourceName string, urls []string) (*domain.Job, error) {
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

	s.mu.Lock()
	s.next++
	s.jobs[job.ID] = job
	s.seq[job.ID] = s.next
	s.mu.Unlock()

	return job.Clone(), nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns all jobs, newest first.
func (s *Store) List(ctx context.Context) ([]domain.Job, error) {
	return s.collect(func(*domain.Job) bool { return true }, true, 0), nil
}

// FindQueued returns queued jobs, oldest first.
func (s *Store) FindQueued(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.collect(func(j *domain.Job) bool { return j.Status == domain.StatusQueued }, false, limit), nil
}

// Update applies fn atomically to one job.
func (s *Store) Update(ctx context.Context, id string, fn domain.MutateFunc) (*domain.Job, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.RLock()
	current, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	job := current.Clone()
	if err := fn(job); err != nil {
		return nil, err
	}
	job.RecomputeProgress()
	job.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		// Deleted while the mutation ran.
		return nil, domain.ErrJobNotFound
	}
	s.jobs[id] = job
	return job.Clone(), nil
}

// Delete removes a job.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.seq, id)
	return nil
}

func (s *Store) collect(keep func(*domain.Job) bool, newestFirst bool, limit int) []domain.Job {
	s.mu.RLock()
	type ordered struct {
		job *domain.Job
		seq int64
	}
	var matched []ordered
	for id, job := range s.jobs {
		if keep(job) {
			matched = append(matched, ordered{job: job.Clone(), seq: s.seq[id]})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if newestFirst {
			return matched[a].seq > matched[b].seq
		}
		return matched[a].seq < matched[b].seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	jobs := make([]domain.Job, len(matched))
	for i, m := range matched {
		jobs[i] = *m.job
	}
	return jobs
}
