// Package codexcli adapts the `codex` CLI tool to the agent.Adapter
// contract. Codex emits a JSON-lines event stream on stdout rather than
// plain text, so Execute re-assembles the final assistant message from the
// event stream before returning it as RawText.
package codexcli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/forgepilot/orchestra/internal/agent"
)

const binaryName = "codex"

func init() {
	agent.Register("codex-cli", func(apiKey string) agent.Adapter {
		return &Adapter{apiKey: apiKey}
	})
}

// Adapter shells out to the `codex` CLI in non-interactive exec mode.
type Adapter struct {
	apiKey string
}

func (a *Adapter) Name() string { return "codex-cli" }

func (a *Adapter) Info() agent.Info {
	return agent.Info{
		Name:               "codex-cli",
		Description:        "OpenAI Codex CLI, invoked via `codex exec` with JSON event output",
		RequiresCredential: true,
	}
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(binaryName); err != nil {
		return false
	}
	return a.apiKey != ""
}

// event is the subset of the codex JSON-lines event schema the adapter
// needs to reassemble the final message and detect fatal errors.
type event struct {
	Type string `json:"type"`
	Item *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) Execute(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"exec", "--json"}
	if req.ReasoningOverride != "" {
		args = append(args, "--config", "model_reasoning_effort="+req.ReasoningOverride)
	}
	if req.ModelOverride != "" {
		args = append(args, "--model", req.ModelOverride)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, binaryName, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(cmd.Env, "OPENAI_API_KEY="+a.apiKey)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start).Milliseconds()

	text, eventErr := collectText(stdout.String())

	result := &agent.Result{
		ExitCode:   cmd.ProcessState.ExitCode(),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration,
		RawText:    text,
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, &agent.Error{Kind: agent.ErrorTimeout, Message: "codex-cli timed out", Cause: runErr}
	}
	if eventErr != "" {
		return result, classifyMessage(eventErr)
	}
	if runErr != nil {
		return result, classifyExecErr(runErr, stderr.String())
	}
	return result, nil
}

// collectText reassembles assistant message text from the JSON event
// stream, returning the first error event's message if one occurred.
func collectText(stdout string) (text string, errMsg string) {
	var sb strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Error != nil && ev.Error.Message != "" {
			errMsg = ev.Error.Message
			continue
		}
		if ev.Type == "item.completed" && ev.Item != nil && ev.Item.Text != "" {
			sb.WriteString(ev.Item.Text)
			sb.WriteString("\n")
		}
	}
	return sb.String(), errMsg
}

var (
	rateLimitPattern = regexp.MustCompile(`(?i)rate[_ -]?limit|429|too many requests`)
	authPattern      = regexp.MustCompile(`(?i)unauthorized|401|invalid[_ ]api[_ ]key`)
	connectPattern   = regexp.MustCompile(`(?i)connection refused|no such host|network is unreachable`)
)

func classifyMessage(msg string) error {
	switch {
	case rateLimitPattern.MatchString(msg):
		return &agent.Error{Kind: agent.ErrorRateLimit, Message: msg}
	case authPattern.MatchString(msg):
		return &agent.Error{Kind: agent.ErrorAuth, Message: msg}
	case connectPattern.MatchString(msg):
		return &agent.Error{Kind: agent.ErrorConnect, Message: msg}
	default:
		return &agent.Error{Kind: agent.ErrorInvalidResponse, Message: msg}
	}
}

func classifyExecErr(runErr error, stderr string) error {
	combined := runErr.Error() + "\n" + stderr
	switch {
	case rateLimitPattern.MatchString(combined):
		return &agent.Error{Kind: agent.ErrorRateLimit, Message: "codex-cli rate limited", Cause: runErr}
	case authPattern.MatchString(combined):
		return &agent.Error{Kind: agent.ErrorAuth, Message: "codex-cli authentication failed", Cause: runErr}
	case connectPattern.MatchString(combined):
		return &agent.Error{Kind: agent.ErrorConnect, Message: "codex-cli could not reach the API", Cause: runErr}
	default:
		return &agent.Error{Kind: agent.ErrorOther, Message: "codex-cli exited with an error", Cause: runErr}
	}
}
