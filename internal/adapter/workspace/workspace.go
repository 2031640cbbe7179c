// Package workspace stages downloads on disk and promotes finished files to
// the output directory.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// partialSuffixes mark files a downloader left behind unfinished.
var partialSuffixes = []string{".part", ".ytdl", ".temp"}

// Workspace implements domain.Workspace. Staging is laid out as
// <staging>/<job id>/run-<attempt>/<key>; finished files land in
// <output>/<source name without extension>.
type Workspace struct {
	stagingDir string
	outputDir  string
	log        logrus.FieldLogger
}

// New creates a workspace.
func New(stagingDir, outputDir string, log logrus.FieldLogger) *Workspace {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Workspace{stagingDir: stagingDir, outputDir: outputDir, log: log}
}

// OutputDir returns the folder a job's files are promoted into.
func (w *Workspace) OutputDir(jobID, sourceName string) string {
	name := strings.TrimSuffix(filepath.Base(sourceName), filepath.Ext(sourceName))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		name = jobID
	}
	return filepath.Join(w.outputDir, name)
}

// Prepare returns an empty staging directory for one work item.
func (w *Workspace) Prepare(jobID string, attempt int, key string) (string, error) {
	dir, err := w.itemDir(jobID, attempt, key)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// Promote moves the work item's files to the output folder, skipping names
// that already exist there.
func (w *Workspace) Promote(jobID string, attempt int, key, sourceName string) ([]string, error) {
	src, err := w.itemDir(jobID, attempt, key)
	if err != nil {
		return nil, err
	}
	target := w.OutputDir(jobID, sourceName)
	moved, err := w.moveFiles(src, target, w.log.WithFields(logrus.Fields{"job_id": jobID, "key": key}))
	if err != nil {
		return moved, err
	}
	os.RemoveAll(src)
	return moved, nil
}

// Discard deletes what one run left in staging.
func (w *Workspace) Discard(jobID string, attempt int) error {
	dir, err := w.runDir(jobID, attempt)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	// Drop the job directory once no other run uses it.
	if err := os.Remove(filepath.Dir(dir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.WithField("job_id", jobID).WithError(err).Debug("job staging directory kept")
	}
	return nil
}

// Remove deletes everything staged for the job.
func (w *Workspace) Remove(jobID string) error {
	dir, err := w.jobDir(jobID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (w *Workspace) jobDir(jobID string) (string, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return filepath.Join(w.stagingDir, jobID), nil
}

func (w *Workspace) runDir(jobID string, attempt int) (string, error) {
	dir, err := w.jobDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "run-"+strconv.Itoa(attempt)), nil
}

func (w *Workspace) itemDir(jobID string, attempt int, key string) (string, error) {
	dir, err := w.runDir(jobID, attempt)
	if err != nil {
		return "", err
	}
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid work item key %q", key)
	}
	return filepath.Join(dir, key), nil
}

// moveFiles moves files from srcDir to target, skipping existing.
func (w *Workspace) moveFiles(srcDir, target string, log logrus.FieldLogger) ([]string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, err
	}

	var moved []string
	for _, entry := range entries {
		if entry.IsDir() || partial(entry.Name()) {
			continue
		}
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(target, entry.Name())

		// Skip if destination exists (no overwrite)
		if _, err := os.Stat(dst); err == nil {
			log.WithField("file", entry.Name()).Info("skipped existing file")
			continue
		}

		if err := os.Rename(src, dst); err != nil {
			// Cross-device fallback
			if err := copyFile(src, dst); err != nil {
				return moved, err
			}
			os.Remove(src)
		}
		moved = append(moved, dst)
	}
	log.WithFields(logrus.Fields{"files": len(moved), "target": target}).Debug("promoted files")
	return moved, nil
}

func partial(name string) bool {
	for _, s := range partialSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// copyFile copies a file from src to dst, removing dst on failure.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
