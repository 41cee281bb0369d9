package agent

import "context"

// Adapter is the uniform contract every external AI coding-assistant CLI
// must implement. The engine never shells out directly; it only ever talks
// to an Adapter.
type Adapter interface {
	// Name returns the adapter identifier used in config (e.g. "claude-cli").
	Name() string

	// IsAvailable reports whether the underlying CLI tool can currently be
	// invoked (binary present on PATH, credential resolvable). It must not
	// block on network calls longer than a few hundred milliseconds.
	IsAvailable(ctx context.Context) bool

	// Execute runs a single prompt through the adapter and returns its raw
	// output. A non-nil error is always an *Error with a classified Kind.
	Execute(ctx context.Context, req *Request) (*Result, error)

	// Info describes this adapter for diagnostics.
	Info() Info
}
