// Package scope checks that a run only touched the files its plan named,
// catching an adapter that wandered outside its assigned file set.
package scope

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// PlanScopeValidator validates that a run's working-tree changes are limited
// to the files named in its plan, plus a small set of dependency-manifest
// exemptions that legitimately change as a side effect of adding code.
type PlanScopeValidator struct {
	WorkDir      string
	PlannedFiles []string // RelativePath of every FileDescriptor the plan targeted
}

// NewValidator creates a PlanScopeValidator for workDir scoped to plannedFiles.
func NewValidator(workDir string, plannedFiles []string) *PlanScopeValidator {
	return &PlanScopeValidator{WorkDir: workDir, PlannedFiles: plannedFiles}
}

// ValidationResult contains the result of scope validation.
type ValidationResult struct {
	Valid             bool
	OutOfScopeFiles   []string
	AllowedExempt     []string // files out of plan scope but allowed by exemptions
	TotalFilesChanged int
}

// allowedExemptions lists dependency-manifest files that may change as a
// side effect of editing planned files without themselves being planned.
var allowedExemptions = []string{
	"go.mod",
	"go.sum",
	"package.json",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"Cargo.lock",
	"Gemfile.lock",
	"poetry.lock",
	".github/workflows",
}

// ValidateChanges inspects the working tree via `git status --porcelain`
// (which, unlike `git diff --name-only HEAD`, also reports untracked files
// an adapter created) and checks every changed file against the plan.
func (v *PlanScopeValidator) ValidateChanges() (*ValidationResult, error) {
	if len(v.PlannedFiles) == 0 {
		return &ValidationResult{Valid: true}, nil
	}

	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = v.WorkDir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get modified files: %w", err)
	}

	return v.validateStatusOutput(string(output))
}

func (v *PlanScopeValidator) validateStatusOutput(output string) (*ValidationResult, error) {
	var files []string
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 3 {
			continue
		}
		// git status --porcelain format: "XY filename" or "XY original -> renamed"
		file := strings.TrimSpace(line[3:])
		if idx := strings.Index(file, " -> "); idx != -1 {
			file = file[idx+4:]
		}
		if file != "" {
			files = append(files, file)
		}
	}
	return v.validateFiles(files)
}

func (v *PlanScopeValidator) validateFiles(files []string) (*ValidationResult, error) {
	result := &ValidationResult{Valid: true, TotalFilesChanged: len(files)}

	planned := make(map[string]bool, len(v.PlannedFiles))
	for _, f := range v.PlannedFiles {
		planned[filepath.Clean(f)] = true
	}

	for _, file := range files {
		if file == "" {
			continue
		}
		clean := filepath.Clean(file)
		if planned[clean] {
			continue
		}
		if v.isExempt(clean) {
			result.AllowedExempt = append(result.AllowedExempt, file)
			continue
		}
		result.OutOfScopeFiles = append(result.OutOfScopeFiles, file)
		result.Valid = false
	}

	return result, nil
}

func (v *PlanScopeValidator) isExempt(filePath string) bool {
	for _, exemption := range allowedExemptions {
		exemption = filepath.Clean(exemption)
		if filePath == exemption {
			return true
		}
		if !strings.Contains(filepath.Base(exemption), ".") && strings.HasPrefix(filePath, exemption+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// FormatViolationError creates a human-readable error message for scope violations.
func (v *PlanScopeValidator) FormatViolationError(result *ValidationResult) string {
	if result.Valid {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("SCOPE VIOLATION: %d file(s) modified outside the plan\n\n", len(result.OutOfScopeFiles)))
	sb.WriteString("Out-of-plan files:\n")
	for _, f := range result.OutOfScopeFiles {
		sb.WriteString(fmt.Sprintf("  - %s\n", f))
	}
	sb.WriteString("\nOnly files the plan named may be modified.\n")
	sb.WriteString("Allowed exceptions: go.mod/go.sum and other dependency-manifest files.\n")

	return sb.String()
}

// RevertFile discards working-tree changes to a single out-of-plan file,
// removing it if it was untracked.
func (v *PlanScopeValidator) RevertFile(path string) error {
	checkout := exec.Command("git", "checkout", "--", path)
	checkout.Dir = v.WorkDir
	if err := checkout.Run(); err == nil {
		return nil
	}

	clean := exec.Command("git", "clean", "-f", "--", path)
	clean.Dir = v.WorkDir
	if err := clean.Run(); err != nil {
		return fmt.Errorf("failed to revert %s: %w", path, err)
	}
	return nil
}
