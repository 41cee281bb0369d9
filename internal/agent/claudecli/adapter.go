// Package claudecli adapts the `claude` CLI tool to the agent.Adapter
// contract.
package claudecli

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/forgepilot/orchestra/internal/agent"
)

const binaryName = "claude"

func init() {
	agent.Register("claude-cli", func(apiKey string) agent.Adapter {
		return &Adapter{apiKey: apiKey}
	})
}

// Adapter shells out to the `claude` CLI in non-interactive print mode.
type Adapter struct {
	apiKey string
}

var (
	rateLimitPattern = regexp.MustCompile(`(?i)rate[_ -]?limit|429|too many requests`)
	authPattern      = regexp.MustCompile(`(?i)unauthorized|401|invalid api key|authentication failed`)
	connectPattern   = regexp.MustCompile(`(?i)connection refused|no such host|network is unreachable|EOF`)
)

func (a *Adapter) Name() string { return "claude-cli" }

func (a *Adapter) Info() agent.Info {
	return agent.Info{
		Name:               "claude-cli",
		Description:        "Anthropic Claude Code CLI, invoked via `claude --print`",
		RequiresCredential: true,
	}
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(binaryName); err != nil {
		return false
	}
	return a.apiKey != ""
}

func (a *Adapter) Execute(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"--print", "--output-format", "text"}
	if req.ModelOverride != "" {
		args = append(args, "--model", req.ModelOverride)
	}

	cmd := exec.CommandContext(ctx, binaryName, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+a.apiKey)
	cmd.Stdin = strings.NewReader(req.Prompt)

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
		return result, &agent.Error{Kind: agent.ErrorTimeout, Message: "claude-cli timed out", Cause: runErr}
	}
	if runErr != nil {
		return result, classifyExecErr(runErr, stderr.String())
	}
	return result, nil
}

// classifyExecErr maps a claude-cli failure onto the shared ErrorKind
// taxonomy by inspecting the process error and stderr text together.
func classifyExecErr(runErr error, stderr string) error {
	combined := runErr.Error() + "\n" + stderr
	switch {
	case rateLimitPattern.MatchString(combined):
		return &agent.Error{Kind: agent.ErrorRateLimit, Message: "claude-cli rate limited", Cause: runErr}
	case authPattern.MatchString(combined):
		return &agent.Error{Kind: agent.ErrorAuth, Message: "claude-cli authentication failed", Cause: runErr}
	case connectPattern.MatchString(combined):
		return &agent.Error{Kind: agent.ErrorConnect, Message: "claude-cli could not reach the API", Cause: runErr}
	default:
		return &agent.Error{Kind: agent.ErrorOther, Message: "claude-cli exited with an error", Cause: runErr}
	}
}
