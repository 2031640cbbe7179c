package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jthickma/ytbatch/internal/domain"
)

func setupTestRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cleanup := func() {
		repo.Close()
		os.Remove(dbPath)
	}
	return repo, cleanup
}

func TestRepository_Create(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	urls := []string{"https://example.com/a", "https://example.com/b"}

	job, err := repo.Create(ctx, "list.txt", urls)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if job.ID == "" {
		t.Error("Create() job.ID is empty")
	}
	if job.Status != domain.StatusQueued {
		t.Errorf("Create() job.Status = %q, want %q", job.Status, domain.StatusQueued)
	}
	if job.Total != 2 {
		t.Errorf("Create() job.Total = %d, want 2", job.Total)
	}
	if job.Attempts != 0 {
		t.Errorf("Create() job.Attempts = %d, want 0", job.Attempts)
	}
}

func TestRepository_Get(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()

	created, _ := repo.Create(ctx, "list.txt", []string{"https://example.com"})

	job, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.ID != created.ID {
		t.Errorf("Get() job.ID = %s, want %s", job.ID, created.ID)
	}
	if job.SourceName != "list.txt" || len(job.URLs) != 1 || job.URLs[0] != "https://example.com" {
		t.Errorf("Get() = %+v", job)
	}
	if job.StartedAt != nil || job.FinishedAt != nil {
		t.Error("Get() new job has timestamps set")
	}

	_, err = repo.Get(ctx, "does-not-exist")
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func TestRepository_ListAndFindQueued(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	first, _ := repo.Create(ctx, "1", []string{"u"})
	second, _ := repo.Create(ctx, "2", []string{"u"})
	third, _ := repo.Create(ctx, "3", []string{"u"})

	jobs, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(jobs) != 3 || jobs[0].ID != third.ID || jobs[2].ID != first.ID {
		t.Errorf("List() not newest first")
	}

	repo.Update(ctx, first.ID, func(j *domain.Job) error { return j.TransitionTo(domain.StatusRunning) })

	queued, err := repo.FindQueued(ctx, 10)
	if err != nil {
		t.Fatalf("FindQueued() error = %v", err)
	}
	if len(queued) != 2 || queued[0].ID != second.ID || queued[1].ID != third.ID {
		t.Errorf("FindQueued() returned %d jobs, want [second third]", len(queued))
	}

	limited, _ := repo.FindQueued(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("FindQueued(1) returned %d jobs", len(limited))
	}
}

func TestRepository_UpdatePersistsFiles(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	job, _ := repo.Create(ctx, "list.txt", []string{"a", "b"})

	updated, err := repo.Update(ctx, job.ID, func(j *domain.Job) error {
		if err := j.TransitionTo(domain.StatusRunning); err != nil {
			return err
		}
		j.Attempts++
		j.PutFile(domain.FileState{Key: domain.FileKey(0), URL: "a", Status: domain.FileCompleted, Progress: 100})
		j.PutFile(domain.FileState{Key: domain.FileKey(1), URL: "b", Status: domain.FileFailed, Message: "404"})
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Progress != 1 || updated.OverallProgress != 50 {
		t.Errorf("Update() progress = %d/%d%%, want 1/50%%", updated.Progress, updated.OverallProgress)
	}

	got, _ := repo.Get(ctx, job.ID)
	if got.Status != domain.StatusRunning || got.Attempts != 1 {
		t.Errorf("Get() status=%q attempts=%d", got.Status, got.Attempts)
	}
	if len(got.Files) != 2 {
		t.Fatalf("Get() files = %d, want 2", len(got.Files))
	}
	if f := got.File(domain.FileKey(1)); f == nil || f.Status != domain.FileFailed || f.Message != "404" {
		t.Errorf("Get() second file = %+v", f)
	}
}

func TestRepository_UpdateTimestampsAndError(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	job, _ := repo.Create(ctx, "list.txt", []string{"a"})

	repo.Update(ctx, job.ID, func(j *domain.Job) error {
		j.Status = domain.StatusFailed
		j.Error = "All downloads failed"
		now := j.CreatedAt
		j.StartedAt = &now
		j.FinishedAt = &now
		return nil
	})

	got, _ := repo.Get(ctx, job.ID)
	if got.Error != "All downloads failed" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatal("timestamps not persisted")
	}
	if !got.StartedAt.Equal(job.CreatedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, job.CreatedAt)
	}

	// Reset clears what the failure recorded.
	repo.Update(ctx, job.ID, func(j *domain.Job) error {
		j.Reset()
		return nil
	})
	got, _ = repo.Get(ctx, job.ID)
	if got.Error != "" || got.StartedAt != nil || got.FinishedAt != nil || got.Status != domain.StatusQueued {
		t.Errorf("after Reset() = %+v", got)
	}
}

func TestRepository_UpdateAbortsOnError(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	job, _ := repo.Create(ctx, "list.txt", []string{"a"})

	boom := errors.New("boom")
	_, err := repo.Update(ctx, job.ID, func(j *domain.Job) error {
		j.Status = domain.StatusCancelled
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want %v", err, boom)
	}

	got, _ := repo.Get(ctx, job.ID)
	if got.Status != domain.StatusQueued {
		t.Errorf("aborted mutation was persisted: status %q", got.Status)
	}
}

func TestRepository_UpdateMissingJob(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	called := false
	_, err := repo.Update(context.Background(), "gone", func(j *domain.Job) error {
		called = true
		return nil
	})
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Update() error = %v, want %v", err, domain.ErrJobNotFound)
	}
	if called {
		t.Error("mutation ran for a missing job")
	}
}

func TestRepository_Delete(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	job, _ := repo.Create(ctx, "list.txt", []string{"a"})

	if err := repo.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, job.ID); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() after Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, job.ID); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestRepository_ConcurrentUpdates(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	const n = 40
	job, _ := repo.Create(ctx, "list.txt", make([]string, n))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Update(ctx, job.ID, func(j *domain.Job) error {
				j.PutFile(domain.FileState{Key: domain.FileKey(i), Status: domain.FileCompleted})
				return nil
			})
			if err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := repo.Get(ctx, job.ID)
	if len(got.Files) != n || got.Progress != n {
		t.Errorf("files=%d progress=%d, want %d (lost update)", len(got.Files), got.Progress, n)
	}
}

func TestRepository_SharedFileNoLostUpdate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	a, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()
	b, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() second instance error = %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	const perWriter = 15
	job, _ := a.Create(ctx, "list.txt", make([]string, 2*perWriter))

	var wg sync.WaitGroup
	for w, repo := range []*Repository{a, b} {
		for i := 0; i < perWriter; i++ {
			wg.Add(1)
			go func(repo *Repository, key string) {
				defer wg.Done()
				_, err := repo.Update(ctx, job.ID, func(j *domain.Job) error {
					j.PutFile(domain.FileState{Key: key, Status: domain.FileCompleted})
					return nil
				})
				if err != nil {
					t.Errorf("Update() error = %v", err)
				}
			}(repo, fmt.Sprintf("w%d_%d", w, i))
		}
	}
	wg.Wait()

	got, _ := b.Get(ctx, job.ID)
	if len(got.Files) != 2*perWriter {
		t.Errorf("files = %d, want %d (lost update across instances)", len(got.Files), 2*perWriter)
	}
}

func TestNew_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "nested", "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer repo.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
		t.Error("New() did not create parent directory")
	}
}
