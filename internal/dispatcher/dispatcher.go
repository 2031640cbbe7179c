// Package dispatcher runs queued jobs under a resizable concurrency bound.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jthickma/ytbatch/internal/domain"
)

const (
	DefaultConcurrency  = 3
	DefaultPollInterval = 5 * time.Second
)

// DownloadOptions are passed through to every download request. Quality is a
// downloader format selector and is not interpreted here.
type DownloadOptions struct {
	Format       string
	Quality      string
	ExtractAudio bool
}

// Dispatcher claims queued jobs and runs each one in its own goroutine,
// processing the job's URLs sequentially.
type Dispatcher struct {
	svc          *domain.JobService
	downloader   domain.Downloader
	workspace    domain.Workspace
	limiter      *Limiter
	pollInterval time.Duration
	wakeup       <-chan domain.Event
	publisher    domain.Publisher
	log          logrus.FieldLogger
	jobs         errgroup.Group

	mu       sync.RWMutex
	download DownloadOptions

	// settingsMu serializes ApplySettings so each change is published once.
	settingsMu sync.Mutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency sets the initial number of jobs that may run at once.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) { d.limiter = NewLimiter(n) }
}

// WithPollInterval sets how often the store is checked for queued jobs.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithDownloadOptions sets the initial format options handed to the downloader.
func WithDownloadOptions(o DownloadOptions) Option {
	return func(d *Dispatcher) { d.download = o }
}

// WithPublisher announces settings changes as config_updated events.
func WithPublisher(p domain.Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithWakeup makes the dispatcher look for work as soon as a job is queued
// instead of waiting for the next poll.
func WithWakeup(events <-chan domain.Event) Option {
	return func(d *Dispatcher) { d.wakeup = events }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New creates a new dispatcher.
func New(svc *domain.JobService, downloader domain.Downloader, workspace domain.Workspace, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		svc:          svc,
		downloader:   downloader,
		workspace:    workspace,
		limiter:      NewLimiter(DefaultConcurrency),
		pollInterval: DefaultPollInterval,
		log:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Concurrency returns the current bound on running jobs.
func (d *Dispatcher) Concurrency() int {
	return d.limiter.Limit()
}

// SetConcurrency changes the bound. Running jobs keep their slots; new
// claims honor the new value.
func (d *Dispatcher) SetConcurrency(n int) error {
	old := d.limiter.Limit()
	if err := d.limiter.SetLimit(n); err != nil {
		return err
	}
	if old != n {
		d.log.WithFields(logrus.Fields{"from": old, "to": n}).Info("concurrency changed")
	}
	return nil
}

// DownloadOptions returns the options used for the next URL.
func (d *Dispatcher) DownloadOptions() DownloadOptions {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.download
}

// SetDownloadOptions changes the options. URLs already downloading keep the
// options they started with.
func (d *Dispatcher) SetDownloadOptions(o DownloadOptions) {
	d.mu.Lock()
	old := d.download
	d.download = o
	d.mu.Unlock()
	if old != o {
		d.log.WithFields(logrus.Fields{
			"format":        o.Format,
			"quality":       o.Quality,
			"extract_audio": o.ExtractAudio,
		}).Info("download options changed")
	}
}

// Settings returns the runtime-adjustable settings.
func (d *Dispatcher) Settings() domain.RuntimeConfig {
	o := d.DownloadOptions()
	return domain.RuntimeConfig{
		MaxConcurrentDownloads: d.limiter.Limit(),
		Format:                 o.Format,
		Quality:                o.Quality,
		ExtractAudio:           o.ExtractAudio,
	}
}

// ApplySettings replaces the runtime-adjustable settings and publishes a
// config_updated event when anything changed.
func (d *Dispatcher) ApplySettings(s domain.RuntimeConfig) error {
	if s.MaxConcurrentDownloads < 1 {
		return domain.ErrInvalidConcurrency
	}
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()

	before := d.Settings()
	if err := d.SetConcurrency(s.MaxConcurrentDownloads); err != nil {
		return err
	}
	d.SetDownloadOptions(DownloadOptions{
		Format:       s.Format,
		Quality:      s.Quality,
		ExtractAudio: s.ExtractAudio,
	})
	after := d.Settings()
	if after != before && d.publisher != nil {
		d.publisher.Publish(domain.Event{
			Type:      domain.EventConfigUpdated,
			Config:    &after,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// Running returns the number of jobs currently holding a slot.
func (d *Dispatcher) Running() int {
	return d.limiter.Active()
}

// Run dispatches jobs until ctx is cancelled, then waits for running jobs to
// return. Jobs interrupted by shutdown stay running in the store and are
// recovered on the next start.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.WithFields(logrus.Fields{
		"poll_interval": d.pollInterval,
		"concurrency":   d.limiter.Limit(),
	}).Info("dispatcher started")
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		changed := d.limiter.Changed()
		d.dispatch(ctx)
		if !d.wait(ctx, ticker.C, changed) {
			d.log.Info("dispatcher shutting down")
			return d.jobs.Wait()
		}
	}
}

// wait blocks until there may be work to claim. It returns false on shutdown.
func (d *Dispatcher) wait(ctx context.Context, tick <-chan time.Time, changed <-chan struct{}) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-tick:
			return true
		case <-changed:
			return true
		case ev, ok := <-d.wakeup:
			if !ok {
				d.wakeup = nil
				continue
			}
			if queues(ev) {
				return true
			}
		}
	}
}

// queues reports whether the event put a job in the queue.
func queues(ev domain.Event) bool {
	switch ev.Type {
	case domain.EventJobCreated:
		return true
	case domain.EventJobStatusChanged:
		return ev.Job != nil && ev.Job.Status == domain.StatusQueued
	}
	return false
}

// dispatch claims queued jobs while slots are free.
func (d *Dispatcher) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		if !d.limiter.TryAcquire() {
			return
		}
		jobs, err := d.svc.FindQueued(ctx, 1)
		if err != nil || len(jobs) == 0 {
			d.limiter.Release()
			if err != nil && ctx.Err() == nil {
				d.log.WithError(err).Error("poll failed")
			}
			return
		}

		job, err := d.svc.Claim(ctx, jobs[0].ID)
		if err != nil {
			d.limiter.Release()
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobNotFound) {
				// Claimed, cancelled or deleted by someone else in the meantime.
				continue
			}
			if ctx.Err() == nil {
				d.log.WithError(err).WithField("job_id", jobs[0].ID).Error("claim failed")
			}
			return
		}

		d.jobs.Go(func() error {
			defer d.limiter.Release()
			d.runJob(ctx, job)
			return nil
		})
	}
}

func (d *Dispatcher) runJob(ctx context.Context, job *domain.Job) {
	log := d.log.WithFields(logrus.Fields{"job_id": job.ID, "attempt": job.Attempts})
	log.WithFields(logrus.Fields{"urls": len(job.URLs), "total": job.Total}).Info("job started")

	defer func() {
		if err := d.workspace.Discard(job.ID, job.Attempts); err != nil {
			log.WithError(err).Warn("failed to discard staging")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("job crashed")
			d.fail(ctx, log, job, fmt.Sprintf("internal error: %v", r))
		}
	}()

	skip := d.svc.SkipRule()
	for i, url := range job.URLs {
		if ctx.Err() != nil {
			log.Info("shutdown requested, leaving job for recovery")
			return
		}
		ok, err := d.svc.Proceed(ctx, job.ID, job.Attempts)
		if err != nil {
			if ctx.Err() == nil {
				d.fail(ctx, log, job, err.Error())
			}
			return
		}
		if !ok {
			log.Info("job no longer running, stopping")
			return
		}
		if skip.Skip(url) {
			log.WithField("url", url).Info("skipping unsupported content")
			continue
		}
		d.runURL(ctx, log, job, domain.FileKey(i), url)
	}

	if ctx.Err() != nil {
		return
	}
	finished, err := d.svc.Finish(ctx, job.ID, job.Attempts)
	switch {
	case err == nil:
		log.WithFields(logrus.Fields{
			"status":   finished.Status,
			"progress": finished.Progress,
			"total":    finished.Total,
		}).Info("job finished")
	case errors.Is(err, domain.ErrStaleRun), errors.Is(err, domain.ErrJobNotFound):
		log.WithError(err).Debug("job changed before finishing")
	default:
		log.WithError(err).Error("failed to record job outcome")
	}
}

func (d *Dispatcher) runURL(ctx context.Context, log logrus.FieldLogger, job *domain.Job, key, url string) {
	log = log.WithFields(logrus.Fields{"key": key, "url": url})
	if err := d.svc.BeginFile(ctx, job.ID, job.Attempts, key, url); err != nil {
		log.WithError(err).Warn("could not record work item")
		return
	}

	cause := d.fetch(ctx, log, job, key, url)
	if ctx.Err() != nil {
		return
	}
	if cause != nil {
		log.WithError(cause).Warn("download failed")
	}
	if err := d.svc.FinishFile(ctx, job.ID, job.Attempts, key, cause); err != nil {
		log.WithError(err).Warn("could not record work item outcome")
	}
}

// fetch downloads one URL into staging and promotes the result. Panics are
// turned into errors so one bad URL never takes the job down.
func (d *Dispatcher) fetch(ctx context.Context, log logrus.FieldLogger, job *domain.Job, key, url string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("download crashed")
			err = fmt.Errorf("download crashed: %v", r)
		}
	}()

	if err := d.svc.SetFileStatus(ctx, job.ID, job.Attempts, key, domain.FileDownloading); err != nil {
		return err
	}
	dest, err := d.workspace.Prepare(job.ID, job.Attempts, key)
	if err != nil {
		return fmt.Errorf("prepare staging: %w", err)
	}

	lastPhase, lastPercent := "", -1
	progress := func(phase string, percent int) {
		if phase == lastPhase && percent == lastPercent {
			return
		}
		lastPhase, lastPercent = phase, percent
		if err := d.svc.FileProgress(ctx, job.ID, job.Attempts, key, phase, percent); err != nil {
			log.WithError(err).Debug("progress not recorded")
		}
	}

	opts := d.DownloadOptions()
	req := domain.DownloadRequest{
		URL:          url,
		Destination:  dest,
		Format:       opts.Format,
		Quality:      opts.Quality,
		ExtractAudio: opts.ExtractAudio,
	}
	if err := d.downloader.Download(ctx, req, progress); err != nil {
		return err
	}

	if err := d.svc.SetFileStatus(ctx, job.ID, job.Attempts, key, domain.FileProcessing); err != nil {
		return err
	}
	files, err := d.workspace.Promote(job.ID, job.Attempts, key, job.SourceName)
	if err != nil {
		return fmt.Errorf("move files: %w", err)
	}
	log.WithField("files", len(files)).Info("download complete")
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, log logrus.FieldLogger, job *domain.Job, reason string) {
	if _, err := d.svc.Fail(ctx, job.ID, job.Attempts, reason); err != nil {
		log.WithError(err).Warn("could not mark job failed")
	}
}
