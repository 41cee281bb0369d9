package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func TestLangfuseTracerFlushSendsBatch(t *testing.T) {
	received := make(chan ingestionPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload ingestionPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"successes":[],"errors":[]}`))
	}))
	defer server.Close()

	tracer := NewLangfuseTracer(LangfuseConfig{
		PublicKey: "pub",
		SecretKey: "secret",
		BaseURL:   server.URL,
	}, log.New(os.Stderr, "", 0))
	defer tracer.Stop(context.Background())

	trace := tracer.StartTrace("task-1", TraceOptions{Pipeline: "sequential", WorkDir: "/tmp/work", Session: "sess-1"})
	span := tracer.StartPhase(trace, "executing", SpanOptions{Iteration: 1, MaxIterations: 3})
	tracer.RecordGeneration(span, GenerationInput{Name: "Executor", Adapter: "claude-cli", Status: "completed"})
	tracer.EndPhase(span, "completed", 1200)
	tracer.CompleteTrace(trace, CompleteOptions{Status: "completed", TotalInputTokens: 10, TotalOutputTokens: 20})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tracer.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	select {
	case payload := <-received:
		if len(payload.Batch) == 0 {
			t.Fatal("expected at least one event in batch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch to be received")
	}
}

func TestLangfuseTracerDropsEventsWhenBufferFull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"successes":[],"errors":[]}`))
	}))
	defer server.Close()

	tracer := NewLangfuseTracer(LangfuseConfig{PublicKey: "pub", SecretKey: "secret", BaseURL: server.URL}, log.New(os.Stderr, "", 0))
	defer tracer.Stop(context.Background())

	trace := TraceContext{TraceID: "t1"}
	span := SpanContext{SpanID: "s1", TraceID: "t1"}
	for i := 0; i < eventBufferSize+10; i++ {
		tracer.RecordGeneration(span, GenerationInput{Name: "Architect"})
	}
	_ = trace
}

func TestLangfuseTracerSendBatchReportsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`unauthorized`))
	}))
	defer server.Close()

	tracer := NewLangfuseTracer(LangfuseConfig{PublicKey: "bad", SecretKey: "bad", BaseURL: server.URL}, log.New(os.Stderr, "", 0))
	defer tracer.Stop(context.Background())

	err := tracer.sendBatch(context.Background(), []ingestionEvent{{ID: "1", Type: "trace-create", Body: map[string]interface{}{"id": "t1"}}})
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
}
