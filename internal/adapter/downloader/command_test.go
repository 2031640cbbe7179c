package downloader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jthickma/ytbatch/internal/config"
	"github.com/jthickma/ytbatch/internal/domain"
)

func TestNewCommand(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ProcessorConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: config.ProcessorConfig{
				Name:    "test",
				Pattern: `^https?://example\.com/`,
				Command: "echo",
				Args:    []string{"{url}"},
			},
			wantErr: false,
		},
		{
			name: "invalid regex",
			cfg: config.ProcessorConfig{
				Name:    "bad",
				Pattern: `[invalid`,
				Command: "echo",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCommand(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommand_Match(t *testing.T) {
	c, _ := NewCommand(config.ProcessorConfig{
		Name:    "youtube",
		Pattern: `^https?://(www\.)?(youtube\.com|youtu\.be)/`,
	})

	if c.Name() != "youtube" {
		t.Errorf("Name() = %q, want %q", c.Name(), "youtube")
	}

	tests := []struct {
		url  string
		want bool
	}{
		{"https://youtube.com/watch?v=abc123", true},
		{"https://www.youtube.com/watch?v=abc123", true},
		{"http://youtu.be/abc123", true},
		{"https://vimeo.com/123456", false},
		{"https://example.com/video", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := c.Match(tt.url); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestCommand_RunsInDestination(t *testing.T) {
	dest := t.TempDir()

	c, err := NewCommand(config.ProcessorConfig{
		Name:    "test",
		Pattern: ".*",
		Command: "touch",
		Args:    []string{"output.txt"},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := domain.DownloadRequest{URL: "https://example.com", Destination: dest}
	if err := c.Download(context.Background(), req, nil); err != nil {
		t.Errorf("Download() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "output.txt")); os.IsNotExist(err) {
		t.Error("expected output.txt to exist in destination")
	}
}

func TestCommand_Placeholders(t *testing.T) {
	dest := t.TempDir()

	c, err := NewCommand(config.ProcessorConfig{
		Name:    "test",
		Pattern: ".*",
		Command: "sh",
		Args:    []string{"-c", "echo {url} > {dest}/url.txt"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var phases []string
	req := domain.DownloadRequest{URL: "https://example.com/video", Destination: dest}
	err = c.Download(context.Background(), req, func(phase string, percent int) {
		phases = append(phases, phase)
	})
	if err != nil {
		t.Errorf("Download() error = %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dest, "url.txt"))
	if err != nil {
		t.Fatal(err)
	}
	// Note: echo adds newline
	if got := string(content); got != "https://example.com/video\n" {
		t.Errorf("URL placeholder not replaced: got %q", got)
	}
	if len(phases) != 2 || phases[0] != PhaseStarting {
		t.Errorf("progress phases = %v", phases)
	}
}

func TestCommand_FailureIncludesOutput(t *testing.T) {
	c, _ := NewCommand(config.ProcessorConfig{
		Name:    "gallery",
		Pattern: ".*",
		Command: "sh",
		Args:    []string{"-c", "echo 'HTTP Error 404' >&2; exit 3"},
	})

	err := c.Download(context.Background(), domain.DownloadRequest{URL: "u", Destination: t.TempDir()}, nil)
	if err == nil {
		t.Fatal("Download() error = nil, want failure")
	}
	if !strings.Contains(err.Error(), "gallery failed") || !strings.Contains(err.Error(), "HTTP Error 404") {
		t.Errorf("Download() error = %q", err)
	}
}
