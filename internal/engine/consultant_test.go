package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgepilot/orchestra/internal/agent"
)

type scriptedAdapter struct {
	responses []string
	call      int
}

func (s *scriptedAdapter) Name() string                        { return "scripted" }
func (s *scriptedAdapter) IsAvailable(ctx context.Context) bool { return true }
func (s *scriptedAdapter) Info() agent.Info                     { return agent.Info{Name: "scripted"} }
func (s *scriptedAdapter) Execute(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	if s.call >= len(s.responses) {
		return &agent.Result{RawText: s.responses[len(s.responses)-1]}, nil
	}
	out := s.responses[s.call]
	s.call++
	return &agent.Result{RawText: out}, nil
}

func writeTempHelper(t *testing.T, dir, ext string) func(content string) (string, error) {
	t.Helper()
	return func(content string) (string, error) {
		path := filepath.Join(dir, "scratch"+ext)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", err
		}
		return path, nil
	}
}

func TestConsultantResolveFixesIncompleteFileOnFirstAttempt(t *testing.T) {
	dir := t.TempDir()
	adapter := &scriptedAdapter{responses: []string{"package widget\n\nfunc Widget() {}\n"}}
	consultant := NewConsultant(adapter)

	req := ConsultantRequest{
		TaskID:  "t1",
		WorkDir: dir,
		Path:    "widget.go",
		Language: "go",
		Trigger: TriggerIncomplete,
		Content: "package widget\n\nfunc Widget() {",
	}

	outcome := consultant.Resolve(context.Background(), req, writeTempHelper(t, dir, ".txt"))
	if !outcome.Fixed {
		t.Fatalf("expected fixed=true, got outcome=%+v", outcome)
	}
	if outcome.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", outcome.Attempts)
	}
}

func TestConsultantResolveExhaustsAttemptsOnPersistentFailure(t *testing.T) {
	dir := t.TempDir()
	adapter := &scriptedAdapter{responses: []string{"func Widget() {", "func Widget() {"}}
	consultant := NewConsultant(adapter)

	req := ConsultantRequest{
		TaskID:  "t1",
		WorkDir: dir,
		Path:    "widget.go",
		Language: "go",
		Trigger: TriggerIncomplete,
		Content: "func Widget() {",
	}

	outcome := consultant.Resolve(context.Background(), req, writeTempHelper(t, dir, ".txt"))
	if outcome.Fixed {
		t.Fatal("expected fixed=false for persistently unbalanced output")
	}
	if outcome.Attempts != consultantMaxAttempts {
		t.Errorf("Attempts = %d, want %d", outcome.Attempts, consultantMaxAttempts)
	}
	if outcome.LastErr == "" {
		t.Error("expected a non-empty LastErr")
	}
}

func TestBuildConsultantPromptSelectsTemplateByTrigger(t *testing.T) {
	completion := buildConsultantPrompt(TriggerIncomplete, "go", "", "package x")
	if !strings.Contains(completion, "incomplete or was truncated") {
		t.Error("expected completion template for TriggerIncomplete")
	}

	syntaxFix := buildConsultantPrompt(TriggerSyntaxError, "go", "unexpected EOF", "package x")
	if !strings.Contains(syntaxFix, "failed syntax validation") || !strings.Contains(syntaxFix, "unexpected EOF") {
		t.Error("expected syntax-fix template embedding the validation error")
	}
}
