package downloader

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/jthickma/ytbatch/internal/config"
	"github.com/jthickma/ytbatch/internal/domain"
)

// maxOutput bounds how much command output ends up in an error message.
const maxOutput = 2 << 10

// Command runs a configured external program for matching URLs. The program
// runs inside the staging directory; {url} and {dest} in its arguments are
// replaced with the URL and the staging directory.
type Command struct {
	name    string
	pattern *regexp.Regexp
	command string
	args    []string
}

// NewCommand creates a downloader from config.
func NewCommand(pc config.ProcessorConfig) (*Command, error) {
	re, err := regexp.Compile(pc.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pc.Pattern, err)
	}
	return &Command{
		name:    pc.Name,
		pattern: re,
		command: config.ExpandPath(pc.Command),
		args:    pc.Args,
	}, nil
}

func (c *Command) Name() string {
	return c.name
}

func (c *Command) Match(url string) bool {
	return c.pattern.MatchString(url)
}

// Download implements domain.Downloader.
func (c *Command) Download(ctx context.Context, req domain.DownloadRequest, progress domain.ProgressFunc) error {
	if progress != nil {
		progress(PhaseStarting, 0)
	}

	args := make([]string, len(c.args))
	for i, arg := range c.args {
		arg = strings.ReplaceAll(arg, "{url}", req.URL)
		args[i] = strings.ReplaceAll(arg, "{dest}", req.Destination)
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = req.Destination
	output, err := cmd.CombinedOutput()
	if err != nil {
		out := strings.TrimSpace(string(output))
		if len(out) > maxOutput {
			out = out[len(out)-maxOutput:]
		}
		return fmt.Errorf("%s failed: %w: %s", c.name, err, out)
	}
	if progress != nil {
		progress(PhaseDownloading, 100)
	}
	return nil
}
