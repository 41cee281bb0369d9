package claudecli

import (
	"errors"
	"testing"

	"github.com/forgepilot/orchestra/internal/agent"
)

func TestClassifyExecErr(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   agent.ErrorKind
	}{
		{"rate limit", "error: 429 too many requests", agent.ErrorRateLimit},
		{"auth", "Unauthorized: invalid api key", agent.ErrorAuth},
		{"connect", "dial tcp: connection refused", agent.ErrorConnect},
		{"other", "panic: something broke", agent.ErrorOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyExecErr(errors.New("exit status 1"), tt.stderr)
			var adapterErr *agent.Error
			if !errors.As(err, &adapterErr) {
				t.Fatalf("expected *agent.Error, got %T", err)
			}
			if adapterErr.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", adapterErr.Kind, tt.want)
			}
		})
	}
}

func TestInfo(t *testing.T) {
	a := &Adapter{apiKey: "x"}
	if a.Name() != "claude-cli" {
		t.Errorf("Name() = %q", a.Name())
	}
	if !a.Info().RequiresCredential {
		t.Error("expected RequiresCredential = true")
	}
}
