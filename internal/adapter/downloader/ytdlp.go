package downloader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jthickma/ytbatch/internal/domain"
)

// DefaultTemplate names files by upload date and video id.
const DefaultTemplate = "%(upload_date>%Y-%m-%d)s_%(id)s.%(ext)s"

// Format selector and bitrate used when only the audio track is kept.
const (
	audioFormat  = "bestaudio/best"
	audioQuality = "192K"
)

// YtDlp downloads with the yt-dlp program, streaming its progress output.
type YtDlp struct {
	binary    string
	template  string
	archive   string
	extraArgs []string
	log       logrus.FieldLogger
}

// YtDlpOption configures YtDlp.
type YtDlpOption func(*YtDlp)

// WithTemplate sets the output filename template.
func WithTemplate(t string) YtDlpOption {
	return func(y *YtDlp) {
		if t != "" {
			y.template = t
		}
	}
}

// WithArchive records finished downloads in path so they are not fetched again.
func WithArchive(path string) YtDlpOption {
	return func(y *YtDlp) { y.archive = path }
}

// WithExtraArgs appends arguments before the URL.
func WithExtraArgs(args ...string) YtDlpOption {
	return func(y *YtDlp) { y.extraArgs = append(y.extraArgs, args...) }
}

// WithLogger sets the logger used for the program's output.
func WithLogger(l logrus.FieldLogger) YtDlpOption {
	return func(y *YtDlp) { y.log = l }
}

// NewYtDlp creates a yt-dlp downloader using the given executable.
func NewYtDlp(binary string, opts ...YtDlpOption) *YtDlp {
	if binary == "" {
		binary = "yt-dlp"
	}
	y := &YtDlp{binary: binary, template: DefaultTemplate, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

// Name returns the downloader name.
func (y *YtDlp) Name() string {
	return "yt-dlp"
}

// Match accepts every URL; yt-dlp reports unsupported sites itself.
func (y *YtDlp) Match(url string) bool {
	return true
}

// Args builds the command line for a request.
func (y *YtDlp) Args(req domain.DownloadRequest) []string {
	args := []string{"--newline", "--no-warnings", "-o", filepath.Join(req.Destination, y.template)}
	if y.archive != "" {
		args = append(args, "--download-archive", y.archive)
	}
	// Quality is a complete yt-dlp format selector such as "best[height<=720]".
	switch {
	case req.Format != "":
		args = append(args, "-f", req.Format)
	case req.ExtractAudio:
		args = append(args, "-f", audioFormat)
	case req.Quality != "":
		args = append(args, "-f", req.Quality)
	}
	if req.ExtractAudio {
		args = append(args, "-x", "--audio-format", "mp3", "--audio-quality", audioQuality)
	}
	args = append(args, y.extraArgs...)
	return append(args, "--", req.URL)
}

// Download implements domain.Downloader.
func (y *YtDlp) Download(ctx context.Context, req domain.DownloadRequest, progress domain.ProgressFunc) error {
	if progress == nil {
		progress = func(string, int) {}
	}
	log := y.log.WithField("url", req.URL)
	progress(PhaseStarting, 0)

	cmd := exec.CommandContext(ctx, y.binary, y.Args(req)...)
	cmd.Dir = req.Destination
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr := &tailBuffer{max: 8 << 10}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", y.binary, err)
	}

	var lastError string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		log.Trace(line)
		if strings.HasPrefix(line, "ERROR:") {
			lastError = line
		}
		if phase, percent, ok := parseProgressLine(line); ok {
			progress(phase, percent)
		}
	}
	// Keep the pipe drained so the process can exit after a scan error.
	io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		if msg := failureMessage(stderr.String(), lastError); msg != "" {
			return fmt.Errorf("%s failed: %w: %s", y.binary, err, msg)
		}
		return fmt.Errorf("%s failed: %w", y.binary, err)
	}
	return nil
}

// failureMessage picks the most useful line from the program's output.
func failureMessage(stderr, lastStdoutError string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "ERROR:") {
			return strings.TrimSpace(lines[i])
		}
	}
	if lastStdoutError != "" {
		return lastStdoutError
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
