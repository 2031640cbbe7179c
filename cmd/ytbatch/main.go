package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jthickma/ytbatch/internal/adapter/downloader"
	httpAdapter "github.com/jthickma/ytbatch/internal/adapter/http"
	"github.com/jthickma/ytbatch/internal/adapter/memory"
	"github.com/jthickma/ytbatch/internal/adapter/sqlite"
	"github.com/jthickma/ytbatch/internal/adapter/workspace"
	"github.com/jthickma/ytbatch/internal/config"
	"github.com/jthickma/ytbatch/internal/dispatcher"
	"github.com/jthickma/ytbatch/internal/domain"
	"github.com/jthickma/ytbatch/internal/events"
	"github.com/jthickma/ytbatch/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ytbatch: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"port":       cfg.Port,
		"store":      cfg.Store,
		"output_dir": cfg.OutputDir,
		"config":     cfg.Path,
	}).Info("starting ytbatch")

	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.NewBus(log.WithField("component", "events"))
	defer bus.Close()

	ws := workspace.New(cfg.StagingDir, cfg.OutputDir, log.WithField("component", "workspace"))

	svc := domain.NewJobService(store,
		domain.WithPublisher(bus),
		domain.WithWorkspace(ws),
		domain.WithSkipRule(domain.SkipRule{Markers: cfg.UnsupportedMarkers}),
		domain.WithLogger(log.WithField("component", "service")),
	)

	// Recover jobs left running by a previous crash
	if cfg.RecoverStale {
		if recovered, err := svc.RecoverStale(context.Background()); err != nil {
			log.WithError(err).Warn("failed to recover stale jobs")
		} else if recovered > 0 {
			log.WithField("jobs", recovered).Info("recovered stale jobs")
		}
	}

	registry, err := newRegistry(cfg, log)
	if err != nil {
		return err
	}

	// Subscribe before anything can publish a job_created the dispatcher must see.
	wakeup := bus.Subscribe(cfg.EventBuffer)
	d := dispatcher.New(svc, registry, ws,
		dispatcher.WithConcurrency(cfg.MaxConcurrentDownloads),
		dispatcher.WithPollInterval(cfg.PollInterval),
		dispatcher.WithDownloadOptions(dispatcher.DownloadOptions{
			Format:       cfg.Download.Format,
			Quality:      cfg.Download.Quality,
			ExtractAudio: cfg.Download.ExtractAudio,
		}),
		dispatcher.WithWakeup(wakeup.C),
		dispatcher.WithPublisher(bus),
		dispatcher.WithLogger(log.WithField("component", "dispatcher")),
	)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := httpAdapter.NewServer(svc, addr,
		httpAdapter.WithRuntime(d),
		httpAdapter.WithEvents(bus, cfg.EventBuffer),
		httpAdapter.WithLogger(log.WithField("component", "http")),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(ctx)
	})

	g.Go(func() error {
		log.WithField("addr", addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown error")
		}
		wakeup.Unsubscribe()
		return nil
	})

	if cfg.Path != "" {
		w := &config.Watcher{
			Path:     cfg.Path,
			Reload:   func() (*config.Config, error) { return config.Load(args) },
			OnChange: func(next *config.Config) { applyConfig(log, d, cfg, next) },
			Log:      log.WithField("component", "config"),
		}
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				log.WithError(err).Warn("configuration watcher stopped")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func openStore(cfg *config.Config, log *logrus.Logger) (domain.JobStore, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory store, jobs are lost on restart")
		return memory.New(), func() {}, nil
	}
	log.WithField("path", cfg.DBPath).Info("opening database")
	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}
	return repo, func() { repo.Close() }, nil
}

// newRegistry routes configured processors first and everything else to yt-dlp.
func newRegistry(cfg *config.Config, log *logrus.Logger) (*downloader.Registry, error) {
	opts := []downloader.YtDlpOption{
		downloader.WithTemplate(cfg.Download.Template),
		downloader.WithExtraArgs(cfg.Download.ExtraArgs...),
		downloader.WithLogger(log.WithField("component", "yt-dlp")),
	}
	if cfg.Download.Archive {
		opts = append(opts, downloader.WithArchive(filepath.Join(cfg.OutputDir, ".downloaded.txt")))
	}
	registry := downloader.NewRegistry(downloader.NewYtDlp(cfg.Download.Binary, opts...))

	for _, pc := range cfg.Processors {
		cmd, err := downloader.NewCommand(pc)
		if err != nil {
			return nil, err
		}
		registry.Register(cmd)
	}
	log.WithField("downloaders", registry.Names()).Debug("downloaders registered")
	return registry, nil
}

// applyConfig applies the settings that can change at runtime. The rest take
// effect on restart.
func applyConfig(log *logrus.Logger, d *dispatcher.Dispatcher, current, next *config.Config) {
	err := d.ApplySettings(domain.RuntimeConfig{
		MaxConcurrentDownloads: next.MaxConcurrentDownloads,
		Format:                 next.Download.Format,
		Quality:                next.Download.Quality,
		ExtractAudio:           next.Download.ExtractAudio,
	})
	if err != nil {
		log.WithError(err).Warn("ignoring download settings")
	}
	if next.Log.Level != current.Log.Level {
		if err := logging.SetLevel(log, next.Log.Level); err != nil {
			log.WithError(err).Warn("ignoring log level")
		} else {
			current.Log.Level = next.Log.Level
		}
	}
	if next.Port != current.Port || next.Store != current.Store || next.DBPath != current.DBPath {
		log.Warn("port and store changes take effect after restart")
	}
}
