package workspace

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestWorkspace(t *testing.T) (*Workspace, string, string) {
	t.Helper()
	staging := filepath.Join(t.TempDir(), "staging")
	output := filepath.Join(t.TempDir(), "output")
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(staging, output, log), staging, output
}

func TestWorkspace_PrepareIsEmpty(t *testing.T) {
	ws, staging, _ := newTestWorkspace(t)

	dir, err := ws.Prepare("job1", 1, "video_001")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if dir != filepath.Join(staging, "job1", "run-1", "video_001") {
		t.Errorf("Prepare() = %q", dir)
	}
	os.WriteFile(filepath.Join(dir, "leftover.mp4"), []byte("x"), 0644)

	dir, err = ws.Prepare("job1", 1, "video_001")
	if err != nil {
		t.Fatalf("second Prepare() error = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Prepare() left %d entries", len(entries))
	}
}

func TestWorkspace_Promote(t *testing.T) {
	ws, _, output := newTestWorkspace(t)

	dir, _ := ws.Prepare("job1", 1, "video_001")
	os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("video"), 0644)
	os.WriteFile(filepath.Join(dir, "clip.mp4.part"), []byte("partial"), 0644)

	moved, err := ws.Promote("job1", 1, "video_001", "my_list.txt")
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	want := filepath.Join(output, "my_list", "clip.mp4")
	if len(moved) != 1 || moved[0] != want {
		t.Errorf("Promote() = %v, want [%s]", moved, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("promoted file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(output, "my_list", "clip.mp4.part")); !os.IsNotExist(err) {
		t.Error("partial file was promoted")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("staging directory not cleaned after promotion")
	}
}

func TestWorkspace_PromoteNoOverwrite(t *testing.T) {
	ws, _, output := newTestWorkspace(t)

	target := filepath.Join(output, "list")
	os.MkdirAll(target, 0755)
	existing := filepath.Join(target, "clip.mp4")
	if err := os.WriteFile(existing, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	dir, _ := ws.Prepare("job1", 1, "video_001")
	os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("new"), 0644)

	moved, err := ws.Promote("job1", 1, "video_001", "list.txt")
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if len(moved) != 0 {
		t.Errorf("Promote() moved %v, want nothing", moved)
	}
	content, _ := os.ReadFile(existing)
	if string(content) != "original" {
		t.Errorf("file was overwritten: got %q, want %q", content, "original")
	}
}

func TestWorkspace_OutputDir(t *testing.T) {
	ws := New("/staging", "/out", nil)
	tests := []struct {
		source string
		want   string
	}{
		{"list.txt", "/out/list"},
		{"nested/dir/urls.txt", "/out/urls"},
		{"noext", "/out/noext"},
		{"", "/out/job1"},
		{"..", "/out/job1"},
	}
	for _, tt := range tests {
		if got := ws.OutputDir("job1", tt.source); got != tt.want {
			t.Errorf("OutputDir(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}

func TestWorkspace_DiscardKeepsOtherRuns(t *testing.T) {
	ws, staging, _ := newTestWorkspace(t)

	ws.Prepare("job1", 1, "video_001")
	current, _ := ws.Prepare("job1", 2, "video_001")

	if err := ws.Discard("job1", 1); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(staging, "job1", "run-1")); !os.IsNotExist(err) {
		t.Error("discarded run still present")
	}
	if _, err := os.Stat(current); err != nil {
		t.Errorf("other run removed: %v", err)
	}

	if err := ws.Discard("job1", 2); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(staging, "job1")); !os.IsNotExist(err) {
		t.Error("empty job directory kept")
	}
}

func TestWorkspace_Remove(t *testing.T) {
	ws, staging, _ := newTestWorkspace(t)
	ws.Prepare("job1", 1, "video_001")
	ws.Prepare("job1", 2, "video_002")

	if err := ws.Remove("job1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(staging, "job1")); !os.IsNotExist(err) {
		t.Error("job staging still present")
	}
	if err := ws.Remove("job1"); err != nil {
		t.Errorf("Remove() on missing job error = %v", err)
	}
}

func TestWorkspace_RejectsTraversal(t *testing.T) {
	ws, _, _ := newTestWorkspace(t)
	for _, id := range []string{"", "..", "../etc", "a/b"} {
		if err := ws.Remove(id); err == nil {
			t.Errorf("Remove(%q) error = nil", id)
		}
	}
	if _, err := ws.Prepare("job1", 1, "../x"); err == nil {
		t.Error("Prepare() accepted key with separator")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	os.WriteFile(src, []byte("payload"), 0644)

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile() error = %v", err)
	}
	content, _ := os.ReadFile(dst)
	if string(content) != "payload" {
		t.Errorf("copied content = %q", content)
	}
	if err := copyFile(src, dst); err == nil {
		t.Error("copyFile() overwrote an existing file")
	}
}
