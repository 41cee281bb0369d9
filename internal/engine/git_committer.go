package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/forgepilot/orchestra/internal/template"
)

// CommitOutcome is the result of a GitCommitter invocation.
type CommitOutcome struct {
	CommitSHA string
	Message   string
	Files     []string
}

// GitCommitter stages the generated file set and creates a commit as a
// terminal post-success gate. Failure here never touches already-written
// files.
type GitCommitter struct {
	workDir         string
	messageTemplate string
}

// NewGitCommitter creates a GitCommitter rooted at workDir, using
// messageTemplate (a Mustache-style template accepting `{{task}}` and
// `{{file_count}}`) to craft commit messages.
func NewGitCommitter(workDir, messageTemplate string) *GitCommitter {
	if messageTemplate == "" {
		messageTemplate = "orchestra: {{task}}"
	}
	return &GitCommitter{workDir: workDir, messageTemplate: messageTemplate}
}

// Commit stages files and commits them with a message derived from task.
func (g *GitCommitter) Commit(ctx context.Context, task string, files []string) (CommitOutcome, error) {
	if len(files) == 0 {
		return CommitOutcome{}, NewPhaseError(PhaseCommitting, ReasonCommitFailed, fmt.Errorf("no files to commit"))
	}

	addArgs := append([]string{"add", "--"}, files...)
	if err := g.run(ctx, addArgs...); err != nil {
		return CommitOutcome{}, NewPhaseError(PhaseCommitting, ReasonCommitFailed, err)
	}

	message := template.RenderPrompt(g.messageTemplate, map[string]string{
		"task":       task,
		"file_count": strconv.Itoa(len(files)),
	})
	if err := g.run(ctx, "commit", "-m", message); err != nil {
		return CommitOutcome{}, NewPhaseError(PhaseCommitting, ReasonCommitFailed, err)
	}

	sha, err := g.output(ctx, "rev-parse", "HEAD")
	if err != nil {
		return CommitOutcome{}, NewPhaseError(PhaseCommitting, ReasonCommitFailed, err)
	}

	return CommitOutcome{
		CommitSHA: strings.TrimSpace(sha),
		Message:   message,
		Files:     files,
	}, nil
}

func (g *GitCommitter) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (g *GitCommitter) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workDir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(output), nil
}
