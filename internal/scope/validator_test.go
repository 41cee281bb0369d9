package scope

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewValidator(t *testing.T) {
	v := NewValidator("/workspace", []string{"internal/foo/bar.go"})

	if v.WorkDir != "/workspace" {
		t.Errorf("NewValidator() WorkDir = %q, want %q", v.WorkDir, "/workspace")
	}
	if len(v.PlannedFiles) != 1 || v.PlannedFiles[0] != "internal/foo/bar.go" {
		t.Errorf("NewValidator() PlannedFiles = %v", v.PlannedFiles)
	}
}

func TestPlanScopeValidator_isExempt(t *testing.T) {
	v := NewValidator("/workspace", []string{"internal/foo/bar.go"})

	tests := []struct {
		name     string
		filePath string
		want     bool
	}{
		{name: "go.mod", filePath: "go.mod", want: true},
		{name: "go.sum", filePath: "go.sum", want: true},
		{name: "workflow file", filePath: ".github/workflows/ci.yml", want: true},
		{name: "random file", filePath: "README.md", want: false},
		{name: "unplanned source file", filePath: "internal/other/baz.go", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.isExempt(filepath.Clean(tt.filePath))
			if got != tt.want {
				t.Errorf("isExempt(%q) = %v, want %v", tt.filePath, got, tt.want)
			}
		})
	}
}

func TestPlanScopeValidator_validateFiles(t *testing.T) {
	v := NewValidator("/workspace", []string{"internal/foo/bar.go", "internal/foo/bar_test.go"})

	tests := []struct {
		name              string
		files             []string
		wantValid         bool
		wantOutOfScope    int
		wantAllowedExempt int
	}{
		{
			name:      "all planned",
			files:     []string{"internal/foo/bar.go", "internal/foo/bar_test.go"},
			wantValid: true,
		},
		{
			name:              "planned plus exemption",
			files:             []string{"internal/foo/bar.go", "go.mod", "go.sum"},
			wantValid:         true,
			wantAllowedExempt: 2,
		},
		{
			name:           "stray file",
			files:          []string{"internal/foo/bar.go", "internal/other/baz.go"},
			wantValid:      false,
			wantOutOfScope: 1,
		},
		{
			name:              "mixed",
			files:             []string{"internal/foo/bar.go", "internal/other/baz.go", "go.mod"},
			wantValid:         false,
			wantOutOfScope:    1,
			wantAllowedExempt: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.validateFiles(tt.files)
			if err != nil {
				t.Fatalf("validateFiles() error = %v", err)
			}
			if result.Valid != tt.wantValid {
				t.Errorf("validateFiles() Valid = %v, want %v", result.Valid, tt.wantValid)
			}
			if len(result.OutOfScopeFiles) != tt.wantOutOfScope {
				t.Errorf("validateFiles() OutOfScopeFiles count = %d, want %d", len(result.OutOfScopeFiles), tt.wantOutOfScope)
			}
			if len(result.AllowedExempt) != tt.wantAllowedExempt {
				t.Errorf("validateFiles() AllowedExempt count = %d, want %d", len(result.AllowedExempt), tt.wantAllowedExempt)
			}
		})
	}
}

func TestPlanScopeValidator_NoPlannedFiles(t *testing.T) {
	v := NewValidator("/workspace", nil)

	result, err := v.ValidateChanges()
	if err != nil {
		t.Fatalf("ValidateChanges() error = %v", err)
	}
	if !result.Valid {
		t.Error("ValidateChanges() with no planned files should always be valid")
	}
}

func TestPlanScopeValidator_FormatViolationError(t *testing.T) {
	v := NewValidator("/workspace", []string{"internal/foo/bar.go"})

	result := &ValidationResult{
		Valid:           false,
		OutOfScopeFiles: []string{"internal/other/baz.go", "src/main.ts"},
	}

	msg := v.FormatViolationError(result)
	if msg == "" {
		t.Error("FormatViolationError() returned empty string for violation")
	}

	expectedContains := []string{"SCOPE VIOLATION", "2 file(s)", "internal/other/baz.go", "src/main.ts"}
	for _, expected := range expectedContains {
		if !strings.Contains(msg, expected) {
			t.Errorf("FormatViolationError() missing expected content: %q", expected)
		}
	}
}

func TestPlanScopeValidator_FormatViolationError_Valid(t *testing.T) {
	v := NewValidator("/workspace", []string{"internal/foo/bar.go"})

	result := &ValidationResult{Valid: true}
	msg := v.FormatViolationError(result)
	if msg != "" {
		t.Errorf("FormatViolationError() for valid result should be empty, got %q", msg)
	}
}

func TestPlanScopeValidator_RevertFile(t *testing.T) {
	tmpDir := t.TempDir()

	if err := runGitCmd(tmpDir, "init"); err != nil {
		t.Skipf("Git not available: %v", err)
	}
	if err := runGitCmd(tmpDir, "config", "user.email", "test@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := runGitCmd(tmpDir, "config", "user.name", "Test User"); err != nil {
		t.Fatal(err)
	}

	testFile := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(testFile, []byte("original content"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := runGitCmd(tmpDir, "add", "."); err != nil {
		t.Fatal(err)
	}
	if err := runGitCmd(tmpDir, "commit", "-m", "initial"); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(testFile, []byte("modified content"), 0644); err != nil {
		t.Fatal(err)
	}

	v := NewValidator(tmpDir, []string{"other.txt"})
	if err := v.RevertFile("test.txt"); err != nil {
		t.Fatalf("RevertFile() error = %v", err)
	}

	content, _ := os.ReadFile(testFile)
	if string(content) != "original content" {
		t.Errorf("RevertFile() did not restore file, got %q", string(content))
	}
}

func runGitCmd(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	return cmd.Run()
}
