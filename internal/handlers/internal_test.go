package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clawanddecay/storefront/internal/services"
)

type stubSyncService struct {
	result services.SyncResult
	err    error
	last   services.SyncCommand
}

func (s *stubSyncService) Sync(_ context.Context, cmd services.SyncCommand) (services.SyncResult, error) {
	s.last = cmd
	return s.result, s.err
}

var _ services.CatalogSyncService = (*stubSyncService)(nil)

func postSync(svc services.CatalogSyncService, target string, headers map[string]string, mw ...func(http.Handler) http.Handler) *httptest.ResponseRecorder {
	router := NewRouter(
		WithInternalRoutes(NewInternalHandlers(svc).Routes),
		WithInternalMiddlewares(mw...),
	)
	req := httptest.NewRequest(http.MethodPost, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestInternalHandlersSyncCatalog(t *testing.T) {
	svc := &stubSyncService{result: services.SyncResult{
		Trigger:    services.SyncTriggerSchedule,
		Products:   12,
		Variants:   87,
		Excluded:   2,
		Changed:    true,
		Generation: 1712,
		Attempts:   1,
		Duration:   1500 * time.Millisecond,
	}}

	rr := postSync(svc, "/internal/catalog:sync", map[string]string{"X-CloudScheduler": "true"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.last.Trigger != services.SyncTriggerSchedule {
		t.Fatalf("expected schedule trigger, got %q", svc.last.Trigger)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["products"] != float64(12) || body["variants"] != float64(87) || body["changed"] != true || body["durationMs"] != float64(1500) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestInternalHandlersManualTrigger(t *testing.T) {
	svc := &stubSyncService{}
	rr := postSync(svc, "/internal/catalog:sync", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if svc.last.Trigger != services.SyncTriggerManual {
		t.Fatalf("expected manual trigger, got %q", svc.last.Trigger)
	}
}

func TestInternalHandlersSyncErrors(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("%w: 502", services.ErrCatalogSyncFetch), http.StatusBadGateway, "sync_fetch_failed"},
		{fmt.Errorf("%w after 3 attempts", services.ErrCatalogSyncConflict), http.StatusConflict, "sync_conflict"},
		{fmt.Errorf("%w: gcs", services.ErrCatalogSyncStore), http.StatusServiceUnavailable, "sync_store_failed"},
	}
	for _, tc := range cases {
		rr := postSync(&stubSyncService{err: tc.err}, "/internal/catalog:sync", nil)
		if rr.Code != tc.wantStatus {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.wantStatus, rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["error"] != tc.wantCode {
			t.Fatalf("expected %s, got %v", tc.wantCode, body["error"])
		}
	}
}

func TestInternalHandlersGuardedByMiddleware(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	svc := &stubSyncService{}
	rr := postSync(svc, "/internal/catalog:sync", nil, deny)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if svc.last.Trigger != "" {
		t.Fatalf("sync must not run without authentication")
	}
}
