package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clawanddecay/storefront/internal/platform/requestctx"
)

func TestTraceMiddlewarePropagatesCloudTraceHeader(t *testing.T) {
	const traceID = "105445aa7843bc8bf206b12000100000"
	var seen requestctx.TraceInfo
	handler := TraceMiddleware("claw-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set(cloudTraceHeader, traceID+"/1;o=1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen.TraceID != traceID {
		t.Fatalf("expected trace id %s, got %q", traceID, seen.TraceID)
	}
	if seen.ProjectID != "claw-prod" {
		t.Fatalf("expected project id, got %q", seen.ProjectID)
	}
	if header := rec.Header().Get(cloudTraceHeader); !strings.HasPrefix(header, traceID+"/") {
		t.Fatalf("expected response trace header, got %q", header)
	}
}

func TestParseCloudTraceContextRejectsMalformed(t *testing.T) {
	for _, header := range []string{"", "abc", "105445aa7843bc8bf206b12000100000", "zz5445aa7843bc8bf206b12000100000/1", "105445aa7843bc8bf206b12000100000/x"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Errorf("expected %q to be rejected", header)
		}
	}
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/00000000000000ff;o=0")
	if !ok {
		t.Fatal("expected hex span id to parse")
	}
	if sc.IsSampled() {
		t.Fatal("expected unsampled span context")
	}
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal_server_error") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic log entry")
	}
}

func TestRequestLoggerMiddlewareLogsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := InjectLoggerMiddleware(zap.New(core))(RequestLoggerMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/checkout%0A/session", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) {
		t.Fatalf("unexpected status field %v", fields["status"])
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for 4xx, got %s", entries[0].Level)
	}
	if path, _ := fields["path"].(string); strings.Contains(path, "\n") {
		t.Fatalf("expected control characters stripped, got %q", path)
	}
}

func TestEventLoggerSelectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewEventLogger(zap.New(core).Named("fulfillment"))

	log(context.Background(), "fulfillment.order.failed", map[string]any{"error": errors.New("upstream 502"), "sessionId": "cs_1"})
	log(context.Background(), "fulfillment.order.submitted", map[string]any{"orderId": "o_1"})
	log(context.Background(), "catalog.sync.fetch_failed", nil)
	log(context.Background(), "fulfillment.webhook.signature_rejected", nil)
	log(context.Background(), "catalog.sync.conflict", nil)

	all := logs.All()
	if len(all) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(all))
	}
	want := []zapcore.Level{zapcore.ErrorLevel, zapcore.InfoLevel, zapcore.ErrorLevel, zapcore.WarnLevel, zapcore.WarnLevel}
	for i, level := range want {
		if all[i].Level != level {
			t.Fatalf("entry %d (%s): expected %s, got %s", i, all[i].Message, level, all[i].Level)
		}
	}
	if all[0].ContextMap()["error"] != "upstream 502" {
		t.Fatalf("expected error field, got %v", all[0].ContextMap())
	}
}
