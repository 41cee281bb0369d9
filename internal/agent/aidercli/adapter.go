// Package aidercli adapts the `aider` CLI tool to the agent.Adapter
// contract. Aider is typically configured last in a fallback chain: it
// speaks to whatever model backend the user has set up locally and needs
// no adapter-specific credential of its own.
package aidercli

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/forgepilot/orchestra/internal/agent"
)

const binaryName = "aider"

func init() {
	agent.Register("aider-cli", func(apiKey string) agent.Adapter {
		return &Adapter{apiKey: apiKey}
	})
}

// Adapter shells out to the `aider` CLI in non-interactive, auto-commit-off
// message mode.
type Adapter struct {
	apiKey string
}

func (a *Adapter) Name() string { return "aider-cli" }

func (a *Adapter) Info() agent.Info {
	return agent.Info{
		Name:               "aider-cli",
		Description:        "aider CLI, invoked via `aider --message` against a locally configured model backend",
		RequiresCredential: false,
	}
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(binaryName)
	return err == nil
}

func (a *Adapter) Execute(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"--yes-always", "--no-auto-commits", "--message", req.Prompt}
	if req.ModelOverride != "" {
		args = append(args, "--model", req.ModelOverride)
	}

	cmd := exec.CommandContext(ctx, binaryName, args...)
	cmd.Dir = req.WorkDir
	if a.apiKey != "" {
		cmd.Env = append(cmd.Env, "OPENAI_API_KEY="+a.apiKey)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start).Milliseconds()

	result := &agent.Result{
		ExitCode:   cmd.ProcessState.ExitCode(),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration,
		RawText:    stdout.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, &agent.Error{Kind: agent.ErrorTimeout, Message: "aider-cli timed out", Cause: runErr}
	}
	if runErr != nil {
		return result, classifyExecErr(runErr, stderr.String())
	}
	return result, nil
}

var (
	connectPattern = regexp.MustCompile(`(?i)connection refused|no such host|network is unreachable`)
	authPattern    = regexp.MustCompile(`(?i)unauthorized|401|invalid api key`)
)

func classifyExecErr(runErr error, stderr string) error {
	combined := runErr.Error() + "\n" + stderr
	switch {
	case authPattern.MatchString(combined):
		return &agent.Error{Kind: agent.ErrorAuth, Message: "aider-cli authentication failed", Cause: runErr}
	case connectPattern.MatchString(combined):
		return &agent.Error{Kind: agent.ErrorConnect, Message: "aider-cli could not reach its backend", Cause: runErr}
	case strings.Contains(combined, "rate limit") || strings.Contains(combined, "429"):
		return &agent.Error{Kind: agent.ErrorRateLimit, Message: "aider-cli rate limited", Cause: runErr}
	default:
		return &agent.Error{Kind: agent.ErrorOther, Message: "aider-cli exited with an error", Cause: runErr}
	}
}
