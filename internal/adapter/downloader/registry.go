// Package downloader adapts external media-fetching programs to domain.Downloader.
package downloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/jthickma/ytbatch/internal/domain"
)

// ErrNoDownloader is returned for URLs no registered downloader accepts.
var ErrNoDownloader = errors.New("no downloader for URL")

// Matcher is a downloader restricted to some URLs.
type Matcher interface {
	domain.Downloader
	Name() string
	Match(url string) bool
}

// Registry routes each URL to the first matching downloader, falling back to
// a default one.
type Registry struct {
	matchers []Matcher
	fallback domain.Downloader
}

// NewRegistry creates a registry. fallback may be nil.
func NewRegistry(fallback domain.Downloader) *Registry {
	return &Registry{fallback: fallback}
}

// Register adds a downloader; earlier registrations win.
func (r *Registry) Register(m Matcher) {
	r.matchers = append(r.matchers, m)
}

// Match returns the downloader for the URL, or nil.
func (r *Registry) Match(url string) domain.Downloader {
	for _, m := range r.matchers {
		if m.Match(url) {
			return m
		}
	}
	return r.fallback
}

// Names returns the registered downloader names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.matchers))
	for i, m := range r.matchers {
		names[i] = m.Name()
	}
	return names
}

// Download implements domain.Downloader.
func (r *Registry) Download(ctx context.Context, req domain.DownloadRequest, progress domain.ProgressFunc) error {
	d := r.Match(req.URL)
	if d == nil {
		return fmt.Errorf("%w: %s", ErrNoDownloader, req.URL)
	}
	return d.Download(ctx, req, progress)
}
