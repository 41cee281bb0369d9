package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/forgepilot/orchestra/internal/agent"
	"github.com/forgepilot/orchestra/prompts/roles"
)

// ConsultantTrigger names why the Consultant was invoked for a file.
type ConsultantTrigger string

const (
	// TriggerIncomplete fires when IsStructurallyIncomplete rejects output
	// (unbalanced braces, a bare-TODO stub, an unterminated docstring).
	TriggerIncomplete ConsultantTrigger = "incomplete"
	// TriggerSyntaxError fires when ValidateSyntax rejects output.
	TriggerSyntaxError ConsultantTrigger = "syntax_error"
)

const consultantMaxAttempts = 2

const completionPromptTemplate = `The following %s file is incomplete or was truncated. Finish it so it is a
complete, syntactically valid file. Return only the finished file contents,
no commentary.

--- current contents ---
%s
`

const syntaxFixPromptTemplate = `The following %s file failed syntax validation with this error:

%s

Return a corrected, complete version of the file. Return only the file
contents, no commentary.

--- current contents ---
%s
`

// ConsultantOutcome is the result of one Consultant invocation for a file.
type ConsultantOutcome struct {
	Fixed    bool
	Content  string
	Attempts int
	LastErr  string
}

// Consultant is invoked inline by the executing file's task when
// SyntaxValidator or the structural-completeness check rejects a freshly
// generated file. It is cooperative: it runs within the task that produced
// the file and never changes the engine's phase. RecoveryEngine, by
// contrast, is a terminal-phase escalation after the audit loop itself
// fails.
type Consultant struct {
	adapter agent.Adapter
}

// NewConsultant wraps the adapter configured for the consultant role.
func NewConsultant(adapter agent.Adapter) *Consultant {
	return &Consultant{adapter: adapter}
}

// Resolve attempts, up to consultantMaxAttempts times, to fix content for
// req.Path given the trigger reason. It re-validates after each attempt and
// stops as soon as the result passes. writeTemp persists content to a
// validatable file (pipeline_engine.go supplies one backed by a scratch
// copy of req.Path) and returns the path ValidateSyntax should check.
func (c *Consultant) Resolve(ctx context.Context, req ConsultantRequest, writeTemp func(content string) (string, error)) ConsultantOutcome {
	content := req.Content
	var lastErr string

	for attempt := 1; attempt <= consultantMaxAttempts; attempt++ {
		prompt := buildConsultantPrompt(req.Trigger, req.Language, req.ValidationError, content)

		result, err := c.adapter.Execute(ctx, &agent.Request{
			TaskID:  req.TaskID,
			Role:    "consultant",
			Prompt:  prompt,
			WorkDir: req.WorkDir,
			Timeout: req.Timeout,
		})
		if err != nil {
			lastErr = err.Error()
			continue
		}

		fixed := Sanitize(result.RawText)
		if IsStructurallyIncomplete(fixed) {
			content = fixed
			lastErr = "still structurally incomplete after consultant fix"
			continue
		}

		tempPath, err := writeTemp(fixed)
		if err != nil {
			content = fixed
			lastErr = err.Error()
			continue
		}

		validation := ValidateSyntax(ctx, tempPath)
		if !validation.Valid {
			content = fixed
			lastErr = validation.Error
			continue
		}

		return ConsultantOutcome{Fixed: true, Content: fixed, Attempts: attempt}
	}

	return ConsultantOutcome{Fixed: false, Content: content, Attempts: consultantMaxAttempts, LastErr: lastErr}
}

// ConsultantRequest bundles everything Resolve needs for one file.
type ConsultantRequest struct {
	TaskID          string
	WorkDir         string
	Path            string
	Language        string
	Trigger         ConsultantTrigger
	ValidationError string
	Content         string
	Timeout         time.Duration
}

func buildConsultantPrompt(trigger ConsultantTrigger, language, validationError, content string) string {
	switch trigger {
	case TriggerSyntaxError:
		return roles.Consultant() + "\n\n" + fmt.Sprintf(syntaxFixPromptTemplate, language, validationError, content)
	default:
		return roles.Consultant() + "\n\n" + fmt.Sprintf(completionPromptTemplate, language, content)
	}
}
