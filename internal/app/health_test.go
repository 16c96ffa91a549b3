package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sk28832/carbonpaper-app/internal/config"
	"github.com/sk28832/carbonpaper-app/internal/store"
)

func newHealthServer(pingFn func(context.Context) error, ai assistant) http.Handler {
	fs := &fakeStore{MemoryStore: store.NewMemoryStore(), pingFn: pingFn}
	return NewHTTPServer(New(config.Config{}, Deps{Store: fs, AI: ai}), "https://app.example").Handler()
}

func TestHealthAndHeadRequests(t *testing.T) {
	handler := newHealthServer(nil, nil)
	for _, method := range []string{http.MethodGet, http.MethodHead} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(method, "/api/health", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s /api/health status = %d", method, rr.Code)
		}
	}
}

func TestReadyReportsStoreAndAI(t *testing.T) {
	tests := []struct {
		name         string
		ping         error
		ai           assistant
		wantStatus   int
		wantReady    string
		wantDB       string
		wantAIConfig bool
	}{
		{name: "store up, no model", wantStatus: http.StatusOK, wantReady: "ready", wantDB: "ok"},
		{name: "store up, model configured", ai: &fakeAI{}, wantStatus: http.StatusOK, wantReady: "ready", wantDB: "ok", wantAIConfig: true},
		{name: "store down", ping: errors.New("connection refused"), ai: &fakeAI{}, wantStatus: http.StatusServiceUnavailable, wantReady: "not_ready", wantDB: "error", wantAIConfig: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newHealthServer(func(context.Context) error { return tt.ping }, tt.ai)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}

			var body struct {
				OK     bool   `json:"ok"`
				Status string `json:"status"`
				Checks struct {
					Database struct {
						Status string `json:"status"`
						Error  string `json:"error"`
					} `json:"database"`
					AI struct {
						Configured bool `json:"configured"`
					} `json:"ai"`
				} `json:"checks"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("parse response: %v", err)
			}
			if body.Status != tt.wantReady || body.OK != (tt.wantReady == "ready") {
				t.Fatalf("unexpected readiness %+v", body)
			}
			if body.Checks.Database.Status != tt.wantDB {
				t.Fatalf("database check = %+v", body.Checks.Database)
			}
			if tt.ping != nil && body.Checks.Database.Error != tt.ping.Error() {
				t.Fatalf("database error = %q", body.Checks.Database.Error)
			}
			if body.Checks.AI.Configured != tt.wantAIConfig {
				t.Fatalf("ai.configured = %v, want %v", body.Checks.AI.Configured, tt.wantAIConfig)
			}
		})
	}
}

func TestPreflightAllowsEditorHeaders(t *testing.T) {
	handler := newHealthServer(nil, nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/files/doc", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d", rr.Code)
	}

	header := rr.Header()
	if got := header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("allow origin = %q", got)
	}
	if got := header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PATCH") || !strings.Contains(got, "PUT") {
		t.Fatalf("allow methods = %q", got)
	}
	if got := header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "If-None-Match") || !strings.Contains(got, "X-Request-ID") {
		t.Fatalf("allow headers = %q", got)
	}
	if got := header.Get("Access-Control-Expose-Headers"); !strings.Contains(got, "ETag") || !strings.Contains(got, "X-Request-ID") {
		t.Fatalf("expose headers = %q", got)
	}
	if got := header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("cache control = %q", got)
	}
	if header.Get("X-Request-ID") == "" {
		t.Fatal("a request id should be generated when the client sends none")
	}
}

func TestMetricsEndpointExposesRequestCounter(t *testing.T) {
	handler := newHealthServer(nil, nil)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `carbonpaper_http_requests_total{method="GET",route="/api/health"`) {
		t.Fatalf("request counter missing from metrics output")
	}
}
