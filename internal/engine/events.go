package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType identifies the category of a pipeline event, normalizing every
// callback the engine fires into one schema for logging and replay.
type EventType string

const (
	EventPhaseStart        EventType = "phase_start"
	EventPhaseComplete     EventType = "phase_complete"
	EventError             EventType = "error"
	EventIteration         EventType = "iteration"
	EventPlanReady         EventType = "plan_ready"
	EventFileStart         EventType = "file_start"
	EventFileComplete      EventType = "file_complete"
	EventParallelProgress  EventType = "parallel_progress"
	EventFileAudit         EventType = "file_audit"
	EventSyntaxCheck       EventType = "syntax_check"
	EventConsultant        EventType = "consultant"
	EventAdapterFallback   EventType = "adapter_fallback"
	EventRecoveryStart     EventType = "recovery_start"
	EventRecoveryAttempt   EventType = "recovery_attempt"
	EventFileReverted      EventType = "file_reverted"
	EventFileDeleted       EventType = "file_deleted"
	EventRecoveryComplete  EventType = "recovery_complete"
	EventWatchChange       EventType = "watch_change"
	EventWatchRerun        EventType = "watch_rerun"
	EventTestStart         EventType = "test_start"
	EventTestComplete      EventType = "test_complete"
	EventCommitStart       EventType = "commit_start"
	EventCommitComplete    EventType = "commit_complete"
	EventResume            EventType = "resume"
	EventConfigLoaded      EventType = "config_loaded"
)

// PipelineEvent is a single normalized occurrence emitted during a run,
// suitable for streaming to a caller's callback and for persisting to a
// JSONL sink for later replay or debugging.
type PipelineEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id"`
	Iteration int             `json:"iteration,omitempty"`
	Type      EventType       `json:"type"`
	Phase     Phase           `json:"phase,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// EventEmitter fans a PipelineEvent out to zero or more registered
// listeners and, if configured, an append-only JSONL sink.
type EventEmitter struct {
	mu        sync.Mutex
	listeners []func(PipelineEvent)
	sink      *EventSink
}

// NewEventEmitter creates an emitter with no listeners and no sink attached.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{}
}

// OnEvent registers a listener invoked synchronously for every emitted
// event, in registration order.
func (e *EventEmitter) OnEvent(listener func(PipelineEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, listener)
}

// AttachSink configures a JSONL sink every subsequently emitted event is
// also appended to.
func (e *EventEmitter) AttachSink(sink *EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// Emit fans event out to every registered listener and the attached sink,
// if any. Sink write failures are swallowed (never block the pipeline on a
// logging failure) but could be surfaced via a future onError event.
func (e *EventEmitter) Emit(event PipelineEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.Lock()
	listeners := append([]func(PipelineEvent){}, e.listeners...)
	sink := e.sink
	e.mu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
	if sink != nil {
		_ = sink.Write(event)
	}
}

// EventSink writes PipelineEvents to a JSONL file, mirroring the teacher's
// events.FileSink for the engine's own event schema.
type EventSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// DefaultEventsFilename is the default JSONL filename within a session dir.
const DefaultEventsFilename = "events.jsonl"

// NewEventSink opens (or creates) dir/events.jsonl in append mode.
func NewEventSink(dir string) (*EventSink, error) {
	path := filepath.Join(dir, DefaultEventsFilename)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	return &EventSink{file: file, writer: bufio.NewWriter(file), path: path}, nil
}

// Write appends a single event as one JSON line.
func (s *EventSink) Write(event PipelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return s.writer.Flush()
}

// Close flushes and closes the underlying file.
func (s *EventSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		_ = s.file.Close()
		s.file = nil
		return fmt.Errorf("flush before close: %w", err)
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Path returns the path events are written to.
func (s *EventSink) Path() string { return s.path }

// ReadEvents reads every event back from a JSONL file written by EventSink,
// for tests and post-hoc inspection.
func ReadEvents(path string) ([]PipelineEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var events []PipelineEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event PipelineEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse event on line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events file: %w", err)
	}
	return events, nil
}
