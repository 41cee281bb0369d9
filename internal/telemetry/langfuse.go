package telemetry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBaseURL  = "https://cloud.langfuse.com"
	ingestionPath   = "/api/public/ingestion"
	flushInterval   = 5 * time.Second
	maxBatchSize    = 50
	eventBufferSize = 1024
	retryDelay      = 500 * time.Millisecond
)

// LangfuseConfig holds Langfuse connection parameters.
type LangfuseConfig struct {
	PublicKey string
	SecretKey string
	BaseURL   string // defaults to https://cloud.langfuse.com
}

// LangfuseTracer streams trace/span/generation events to the Langfuse
// ingestion API via batched, periodically-flushed HTTP requests.
type LangfuseTracer struct {
	config     LangfuseConfig
	authHeader string
	client     *http.Client
	events     chan ingestionEvent
	logger     *log.Logger

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	flushMu  sync.Mutex
}

// NewLangfuseTracer creates a LangfuseTracer and starts its background
// flush goroutine.
func NewLangfuseTracer(cfg LangfuseConfig, logger *log.Logger) *LangfuseTracer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	auth := base64.StdEncoding.EncodeToString([]byte(cfg.PublicKey + ":" + cfg.SecretKey))

	t := &LangfuseTracer{
		config:     cfg,
		authHeader: "Basic " + auth,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan ingestionEvent, eventBufferSize),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.flushLoop()
	return t
}

func (t *LangfuseTracer) StartTrace(taskID string, opts TraceOptions) TraceContext {
	t.enqueue(ingestionEvent{
		Type: "trace-create",
		Body: map[string]interface{}{
			"id":   taskID,
			"name": opts.Pipeline,
			"metadata": map[string]interface{}{
				"work_dir": opts.WorkDir,
				"session":  opts.Session,
				"pipeline": opts.Pipeline,
			},
		},
	})
	return TraceContext{
		TraceID: taskID,
		TaskID:  taskID,
		Metadata: map[string]string{
			"pipeline": opts.Pipeline,
		},
	}
}

func (t *LangfuseTracer) StartPhase(trace TraceContext, phase string, opts SpanOptions) SpanContext {
	spanID := uuid.New().String()
	metadata := map[string]interface{}{"max_iterations": opts.MaxIterations}
	if opts.Iteration > 0 {
		metadata["iteration"] = opts.Iteration
	}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	t.enqueue(ingestionEvent{
		Type: "span-create",
		Body: map[string]interface{}{
			"id":        spanID,
			"traceId":   trace.TraceID,
			"name":      phase,
			"metadata":  metadata,
			"startTime": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
	return SpanContext{SpanID: spanID, PhaseName: phase, TraceID: trace.TraceID}
}

func (t *LangfuseTracer) RecordGeneration(span SpanContext, gen GenerationInput) {
	t.enqueue(ingestionEvent{
		Type: "generation-create",
		Body: map[string]interface{}{
			"id":                  uuid.New().String(),
			"traceId":             span.TraceID,
			"parentObservationId": span.SpanID,
			"name":                gen.Name,
			"model":               gen.Adapter,
			"input":               gen.Input,
			"usage": map[string]interface{}{
				"input":  gen.InputTokens,
				"output": gen.OutputTokens,
			},
			"metadata": map[string]interface{}{
				"status":      gen.Status,
				"duration_ms": gen.DurationMs,
			},
			"startTime": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

func (t *LangfuseTracer) RecordSkipped(span SpanContext, component string, reason string) {
	t.enqueue(ingestionEvent{
		Type: "event-create",
		Body: map[string]interface{}{
			"id":                  uuid.New().String(),
			"traceId":             span.TraceID,
			"parentObservationId": span.SpanID,
			"name":                component + " skipped",
			"metadata":            map[string]interface{}{"skip_reason": reason},
			"startTime":           time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

func (t *LangfuseTracer) EndPhase(span SpanContext, status string, durationMs int64) {
	t.enqueue(ingestionEvent{
		Type: "span-update",
		Body: map[string]interface{}{
			"id":      span.SpanID,
			"traceId": span.TraceID,
			"metadata": map[string]interface{}{
				"status":      status,
				"duration_ms": durationMs,
			},
			"endTime": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

func (t *LangfuseTracer) CompleteTrace(trace TraceContext, opts CompleteOptions) {
	t.enqueue(ingestionEvent{
		Type: "trace-create",
		Body: map[string]interface{}{
			"id": trace.TraceID,
			"metadata": map[string]interface{}{
				"status":              opts.Status,
				"total_input_tokens":  opts.TotalInputTokens,
				"total_output_tokens": opts.TotalOutputTokens,
			},
		},
	})
}

// Flush drains the buffered events and sends them, blocking until done.
func (t *LangfuseTracer) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	var batch []ingestionEvent
	for {
		select {
		case evt := <-t.events:
			batch = append(batch, evt)
		default:
			if len(batch) > 0 {
				if err := t.sendBatchWithRetry(ctx, batch); err != nil {
					return fmt.Errorf("langfuse flush: %w", err)
				}
			}
			return nil
		}
	}
}

func (t *LangfuseTracer) enqueue(evt ingestionEvent) {
	evt.ID = uuid.New().String()
	evt.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	select {
	case t.events <- evt:
	default:
		t.logger.Printf("warning: langfuse event buffer full, dropping event: %s", evt.Type)
	}
}

func (t *LangfuseTracer) flushLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			t.drainAndSend()
			return
		case <-ticker.C:
			t.drainAndSend()
		}
	}
}

func (t *LangfuseTracer) drainAndSend() {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var batch []ingestionEvent
	for {
		select {
		case evt := <-t.events:
			batch = append(batch, evt)
			if len(batch) >= maxBatchSize {
				if err := t.sendBatchWithRetry(ctx, batch); err != nil {
					t.logger.Printf("warning: langfuse batch send failed: %v", err)
				}
				batch = nil
			}
		default:
			if len(batch) > 0 {
				if err := t.sendBatchWithRetry(ctx, batch); err != nil {
					t.logger.Printf("warning: langfuse batch send failed: %v", err)
				}
			}
			return
		}
	}
}

func (t *LangfuseTracer) sendBatchWithRetry(ctx context.Context, batch []ingestionEvent) error {
	if err := t.sendBatch(ctx, batch); err == nil {
		return nil
	} else {
		t.logger.Printf("warning: langfuse batch send failed, retrying: %v", err)
	}
	time.Sleep(retryDelay)
	return t.sendBatch(ctx, batch)
}

func (t *LangfuseTracer) sendBatch(ctx context.Context, batch []ingestionEvent) error {
	body, err := json.Marshal(ingestionPayload{Batch: batch})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL+ingestionPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", t.authHeader)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("langfuse API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result ingestionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.logger.Printf("warning: langfuse: could not parse response body: %v", err)
		return nil
	}
	for _, e := range result.Errors {
		t.logger.Printf("warning: langfuse: event %s rejected (status=%d): %s", e.ID, e.Status, e.Message)
	}
	return nil
}

// Stop shuts down the background flush goroutine, draining remaining events.
func (t *LangfuseTracer) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
	return t.Flush(ctx)
}

type ingestionEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Body      map[string]interface{} `json:"body"`
}

type ingestionPayload struct {
	Batch []ingestionEvent `json:"batch"`
}

type ingestionResponse struct {
	Successes []ingestionSuccess `json:"successes"`
	Errors    []ingestionError   `json:"errors"`
}

type ingestionSuccess struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
}

type ingestionError struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

var _ Tracer = (*LangfuseTracer)(nil)
