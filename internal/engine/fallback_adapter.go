package engine

import (
	"context"
	"fmt"

	"github.com/forgepilot/orchestra/internal/agent"
)

// FallbackReason describes why FallbackAdapter advanced from one adapter to
// the next.
type FallbackReason string

const (
	FallbackRecoverableError FallbackReason = "recoverable_error"
	FallbackUnavailable      FallbackReason = "adapter_unavailable"
)

// OnAdapterFallback is invoked whenever FallbackAdapter advances past a
// sub-adapter, mirroring spec.md's onAdapterFallback(from, to, reason, role)
// callback.
type OnAdapterFallback func(from, to string, reason FallbackReason, role Role)

// FallbackAdapter wraps an ordered, non-empty chain of Adapters. On
// execute, it tries each in order; a recoverable error advances to the
// next member; the first success returns immediately; if every member
// fails, the last error is returned unchanged.
type FallbackAdapter struct {
	role       Role
	chain      []agent.Adapter
	authPolicy string // "fail_fast" or "skip_to_next"
	onFallback OnAdapterFallback
}

// NewFallbackAdapter builds a FallbackAdapter for role over the given
// ordered chain. authPolicy controls whether an AUTH error is treated as
// adapter-fatal (fail_fast, default) or recoverable (skip_to_next), the
// resolution of the fallback.authPolicy Open Question.
func NewFallbackAdapter(role Role, chain []agent.Adapter, authPolicy string, onFallback OnAdapterFallback) (*FallbackAdapter, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("fallback adapter for role %s requires a non-empty chain", role)
	}
	if authPolicy == "" {
		authPolicy = "fail_fast"
	}
	return &FallbackAdapter{role: role, chain: chain, authPolicy: authPolicy, onFallback: onFallback}, nil
}

// Execute tries each adapter in the chain in order, short-circuiting on the
// first success.
func (f *FallbackAdapter) Execute(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	var lastErr error
	for i, a := range f.chain {
		if !a.IsAvailable(ctx) {
			if i+1 < len(f.chain) {
				f.notify(a.Name(), f.chain[i+1].Name(), FallbackUnavailable)
			}
			lastErr = fmt.Errorf("adapter %s unavailable", a.Name())
			continue
		}

		result, err := a.Execute(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if i+1 >= len(f.chain) {
			break
		}
		if !f.isRecoverable(err) {
			break
		}
		f.notify(a.Name(), f.chain[i+1].Name(), FallbackRecoverableError)
	}
	return nil, lastErr
}

// isRecoverable applies the engine's recoverable-error policy: RATE_LIMIT,
// CONNECT, and TIMEOUT always advance the chain; AUTH advances only under
// the skip_to_next policy; INVALID_RESPONSE and OTHER never advance.
func (f *FallbackAdapter) isRecoverable(err error) bool {
	var agentErr *agent.Error
	if !asAgentError(err, &agentErr) {
		return false
	}
	if agentErr.Kind == agent.ErrorAuth {
		return f.authPolicy == "skip_to_next"
	}
	return agentErr.Kind.Recoverable()
}

// Name identifies this FallbackAdapter by its role, so it can itself be
// passed anywhere an agent.Adapter is expected (e.g. as a Consultant's
// backing adapter).
func (f *FallbackAdapter) Name() string { return string(f.role) + "-fallback-chain" }

// IsAvailable reports whether at least one chain member is currently
// available.
func (f *FallbackAdapter) IsAvailable(ctx context.Context) bool {
	for _, a := range f.chain {
		if a.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

// Info describes the chain as a whole for diagnostics.
func (f *FallbackAdapter) Info() agent.Info {
	names := make([]string, 0, len(f.chain))
	for _, a := range f.chain {
		names = append(names, a.Name())
	}
	return agent.Info{
		Name:        f.Name(),
		Description: fmt.Sprintf("fallback chain for role %s: %v", f.role, names),
	}
}

func (f *FallbackAdapter) notify(from, to string, reason FallbackReason) {
	if f.onFallback != nil {
		f.onFallback(from, to, reason, f.role)
	}
}

func asAgentError(err error, target **agent.Error) bool {
	for err != nil {
		if ae, ok := err.(*agent.Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

var _ agent.Adapter = (*FallbackAdapter)(nil)
