package engine

import (
	"context"
	"fmt"
	"os"
	"time"
)

// RecoveryFileOutcome is the result of attempting to rescue one file.
type RecoveryFileOutcome struct {
	Path     string
	Strategy string // "rewrite", "patch", "reverted", "deleted"
	Recovered bool
	Content  string
	Err      string
}

// RecoveryResult is the final outcome of a RecoveryEngine run.
type RecoveryResult struct {
	Success    bool
	Recovered  []string
	Failed     []string
	ByFile     map[string]RecoveryFileOutcome
}

// RecoveryOptions configures one Recover invocation.
type RecoveryOptions struct {
	MaxAttempts         int
	Timeout             time.Duration
	AutoRevertOnFailure bool

	OnRecoveryStart    func(failedFiles []string)
	OnRecoveryAttempt  func(attempt, max int, remaining []string)
	OnFileReverted     func(path string)
	OnFileDeleted      func(path string)
	OnRecoveryComplete func(result RecoveryResult)
}

// FileState captures what's needed to revert or delete a file, and the
// aggregated unresolved issues driving its rescue.
type FileState struct {
	Path          string
	PreRunContent string
	WasNew        bool
	Issues        []AuditIssue
}

// RecoveryEngine runs the bounded consult-and-retry/revert strategy for
// files the main audit loop could not resolve before hitting
// max_iterations. It is activated as a terminal-phase escalation distinct
// from the inline, per-file Consultant path.
type RecoveryEngine struct {
	consultant *Consultant
	planText   string
	writeFile  func(path, content string) error
	deleteFile func(path string) error
}

// NewRecoveryEngine builds a RecoveryEngine. writeFile and deleteFile are
// injected so the engine never assumes a particular filesystem root.
func NewRecoveryEngine(consultant *Consultant, planText string, writeFile func(path, content string) error, deleteFile func(path string) error) *RecoveryEngine {
	return &RecoveryEngine{consultant: consultant, planText: planText, writeFile: writeFile, deleteFile: deleteFile}
}

// Recover attempts, per file, a consultant-guided rewrite, then targeted
// issue-by-issue patching, then (if configured) a revert or delete.
func (r *RecoveryEngine) Recover(ctx context.Context, files []FileState, opts RecoveryOptions) RecoveryResult {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	recoveryCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		recoveryCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	failedPaths := make([]string, 0, len(files))
	for _, f := range files {
		failedPaths = append(failedPaths, f.Path)
	}
	if opts.OnRecoveryStart != nil {
		opts.OnRecoveryStart(failedPaths)
	}

	result := RecoveryResult{ByFile: map[string]RecoveryFileOutcome{}}
	remaining := append([]FileState{}, files...)

	for attempt := 1; attempt <= maxAttempts && len(remaining) > 0; attempt++ {
		remainingPaths := make([]string, 0, len(remaining))
		for _, f := range remaining {
			remainingPaths = append(remainingPaths, f.Path)
		}
		if opts.OnRecoveryAttempt != nil {
			opts.OnRecoveryAttempt(attempt, maxAttempts, remainingPaths)
		}

		var stillFailing []FileState
		for _, f := range remaining {
			if err := recoveryCtx.Err(); err != nil {
				stillFailing = append(stillFailing, f)
				continue
			}

			outcome := r.recoverOne(recoveryCtx, f)
			if outcome.Recovered {
				result.Recovered = append(result.Recovered, f.Path)
				result.ByFile[f.Path] = outcome
				continue
			}
			result.ByFile[f.Path] = outcome
			stillFailing = append(stillFailing, f)
		}
		remaining = stillFailing
	}

	for _, f := range remaining {
		if opts.AutoRevertOnFailure {
			outcome := r.revertOrDelete(f, opts)
			result.ByFile[f.Path] = outcome
			if outcome.Recovered {
				result.Recovered = append(result.Recovered, f.Path)
				continue
			}
		}
		result.Failed = append(result.Failed, f.Path)
	}

	result.Success = len(result.Failed) == 0
	if opts.OnRecoveryComplete != nil {
		opts.OnRecoveryComplete(result)
	}
	return result
}

// recoverOne tries a consultant-guided full rewrite first, then targeted
// issue-by-issue patching.
func (r *RecoveryEngine) recoverOne(ctx context.Context, f FileState) RecoveryFileOutcome {
	if outcome, ok := r.rewriteFromScratch(ctx, f); ok {
		return outcome
	}
	if outcome, ok := r.patchIssueByIssue(ctx, f); ok {
		return outcome
	}
	return RecoveryFileOutcome{Path: f.Path, Strategy: "patch", Recovered: false, Err: "consultant rewrite and targeted patch both failed"}
}

func (r *RecoveryEngine) rewriteFromScratch(ctx context.Context, f FileState) (RecoveryFileOutcome, bool) {
	req := ConsultantRequest{
		Path:     f.Path,
		Language: languageForPath(f.Path),
		Trigger:  TriggerIncomplete,
		Content:  fmt.Sprintf("%s\n\n%s", r.planText, formatIssues(f.Issues)),
	}
	outcome := r.consultant.Resolve(ctx, req, writeScratchFile(f.Path))
	if !outcome.Fixed {
		return RecoveryFileOutcome{}, false
	}
	if err := r.writeFile(f.Path, outcome.Content); err != nil {
		return RecoveryFileOutcome{Path: f.Path, Strategy: "rewrite", Recovered: false, Err: err.Error()}, false
	}
	return RecoveryFileOutcome{Path: f.Path, Strategy: "rewrite", Recovered: true, Content: outcome.Content}, true
}

func (r *RecoveryEngine) patchIssueByIssue(ctx context.Context, f FileState) (RecoveryFileOutcome, bool) {
	content := f.PreRunContent
	for _, issue := range f.Issues {
		req := ConsultantRequest{
			Path:            f.Path,
			Language:        languageForPath(f.Path),
			Trigger:         TriggerSyntaxError,
			ValidationError: issue.Description,
			Content:         content,
		}
		outcome := r.consultant.Resolve(ctx, req, writeScratchFile(f.Path))
		if !outcome.Fixed {
			return RecoveryFileOutcome{Path: f.Path, Strategy: "patch", Recovered: false, Err: outcome.LastErr}, false
		}
		content = outcome.Content
	}
	if err := r.writeFile(f.Path, content); err != nil {
		return RecoveryFileOutcome{Path: f.Path, Strategy: "patch", Recovered: false, Err: err.Error()}, false
	}
	return RecoveryFileOutcome{Path: f.Path, Strategy: "patch", Recovered: true, Content: content}, true
}

func (r *RecoveryEngine) revertOrDelete(f FileState, opts RecoveryOptions) RecoveryFileOutcome {
	if f.WasNew {
		if err := r.deleteFile(f.Path); err != nil {
			return RecoveryFileOutcome{Path: f.Path, Strategy: "deleted", Recovered: false, Err: err.Error()}
		}
		if opts.OnFileDeleted != nil {
			opts.OnFileDeleted(f.Path)
		}
		return RecoveryFileOutcome{Path: f.Path, Strategy: "deleted", Recovered: true}
	}

	if err := r.writeFile(f.Path, f.PreRunContent); err != nil {
		return RecoveryFileOutcome{Path: f.Path, Strategy: "reverted", Recovered: false, Err: err.Error()}
	}
	if opts.OnFileReverted != nil {
		opts.OnFileReverted(f.Path)
	}
	return RecoveryFileOutcome{Path: f.Path, Strategy: "reverted", Recovered: true, Content: f.PreRunContent}
}

func formatIssues(issues []AuditIssue) string {
	out := "Unresolved issues:\n"
	for _, issue := range issues {
		out += fmt.Sprintf("- [%s] %s (%s)\n", issue.Severity, issue.Description, issue.Suggestion)
	}
	return out
}

// writeScratchFile returns a Consultant writeTemp callback that persists
// candidate content to a scratch file sharing the target path's extension,
// so ValidateSyntax can run its real subprocess check against it.
func writeScratchFile(targetPath string) func(content string) (string, error) {
	return func(content string) (string, error) {
		scratch, err := os.CreateTemp("", "orchestra-recovery-*"+extOf(targetPath))
		if err != nil {
			return "", err
		}
		defer scratch.Close()
		if _, err := scratch.WriteString(content); err != nil {
			return "", err
		}
		return scratch.Name(), nil
	}
}

func languageForPath(path string) string {
	ext := extOf(path)
	switch ext {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	default:
		return "text"
	}
}
