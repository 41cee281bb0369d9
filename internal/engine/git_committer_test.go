package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git not usable in this environment: %v: %s", err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	return dir
}

func TestGitCommitterCommit(t *testing.T) {
	dir := initGitRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "widget.go"), []byte("package widget\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	committer := NewGitCommitter(dir, "orchestra: {{task}}")
	outcome, err := committer.Commit(context.Background(), "add widget", []string{"widget.go"})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if outcome.CommitSHA == "" {
		t.Error("expected non-empty commit SHA")
	}
	if outcome.Message != "orchestra: add widget" {
		t.Errorf("Message = %q, want %q", outcome.Message, "orchestra: add widget")
	}
}

func TestGitCommitterNoFilesFails(t *testing.T) {
	dir := initGitRepo(t)
	committer := NewGitCommitter(dir, "orchestra: {{task}}")
	if _, err := committer.Commit(context.Background(), "task", nil); err == nil {
		t.Fatal("expected error when no files are given")
	}
}
