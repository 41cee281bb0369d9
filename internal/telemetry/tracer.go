package telemetry

import "context"

// Tracer tracks the lifecycle of a Task through the Architect/Executor/
// Auditor/Consultant pipeline, recording each adapter invocation as a
// generation and each phase as a span.
//
// Trace hierarchy:
//
//	Task (Trace)
//	  └── Phase (Span): planning, executing, auditing, fixing
//	        ├── Architect/Executor/Auditor/Consultant (Generation)
//	        └── skipped roles (Event, when a phase short-circuits)
type Tracer interface {
	StartTrace(taskID string, opts TraceOptions) TraceContext
	StartPhase(trace TraceContext, phase string, opts SpanOptions) SpanContext
	RecordGeneration(span SpanContext, gen GenerationInput)
	RecordSkipped(span SpanContext, component string, reason string)
	EndPhase(span SpanContext, status string, durationMs int64)
	CompleteTrace(trace TraceContext, opts CompleteOptions)
	Flush(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TraceContext holds context for an active trace (task level).
type TraceContext struct {
	TraceID  string
	TaskID   string
	Metadata map[string]string
}

// SpanContext holds context for an active span (phase level).
type SpanContext struct {
	SpanID    string
	PhaseName string
	TraceID   string
}

// TraceOptions configures a new trace.
type TraceOptions struct {
	Pipeline string // e.g. "sequential" or "pipelined"
	WorkDir  string
	Session  string
}

// SpanOptions configures a new span.
type SpanOptions struct {
	Iteration     int
	MaxIterations int
	Metadata      map[string]string
}

// GenerationInput describes a single adapter invocation to record.
type GenerationInput struct {
	Name         string // "Architect", "Executor", "Auditor", or "Consultant"
	Adapter      string
	Input        string
	Output       string
	InputTokens  int
	OutputTokens int
	Status       string // "completed" or "error"
	DurationMs   int64
}

// CompleteOptions configures trace completion.
type CompleteOptions struct {
	Status            string // "completed", "failed", "rejected", "max_iterations"
	TotalInputTokens  int
	TotalOutputTokens int
}
