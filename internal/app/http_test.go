package app

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sk28832/carbonpaper-app/internal/gateway"
)

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
}

func TestFilesCRUD(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/files", map[string]any{"name": "NDA"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("create without content status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/files", map[string]any{"name": "NDA", "content": "<p>Secret</p>"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rr.Code, rr.Body.String())
	}
	var created map[string]any
	decodeResponse(t, rr, &created)
	id, _ := created["id"].(string)
	if id == "" || created["isSaved"] != true {
		t.Fatalf("unexpected created document %+v", created)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/files", nil)
	var list []map[string]any
	decodeResponse(t, rr, &list)
	if len(list) != 2 || list[1]["name"] != "NDA" {
		t.Fatalf("unexpected list %+v", list)
	}

	rr = doJSON(t, handler, http.MethodPatch, "/api/files/"+id, map[string]any{"name": "Mutual NDA"})
	if rr.Code != http.StatusOK {
		t.Fatalf("patch status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/files/"+id, map[string]any{"role": "user", "content": "hi"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("append message status = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, handler, http.MethodPost, "/api/files/"+id, map[string]any{"content": "no role"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("message without role status = %d", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/files/"+id, nil)
	var doc map[string]any
	decodeResponse(t, rr, &doc)
	if doc["name"] != "Mutual NDA" || len(doc["messages"].([]any)) != 1 {
		t.Fatalf("unexpected document %+v", doc)
	}

	rr = doJSON(t, handler, http.MethodDelete, "/api/files/"+id, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	for _, method := range []string{http.MethodGet, http.MethodDelete, http.MethodPatch} {
		rr = doJSON(t, handler, method, "/api/files/"+id, map[string]any{})
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s after delete status = %d", method, rr.Code)
		}
	}
}

func TestPutUpsertsDocument(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	rr := doJSON(t, handler, http.MethodPut, "/api/files/fresh", map[string]any{"name": "Fresh", "content": "<p>x</p>"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("upsert status = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, handler, http.MethodPut, "/api/files/fresh", map[string]any{"name": "Fresh", "content": "<p>y</p>"})
	if rr.Code != http.StatusOK {
		t.Fatalf("replace status = %d body=%s", rr.Code, rr.Body.String())
	}
	var doc map[string]any
	decodeResponse(t, rr, &doc)
	if doc["content"] != "<p>y</p>" || doc["isSaved"] != true {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestDocumentETag(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	rr := doJSON(t, handler, http.MethodGet, "/api/files/doc", nil)
	etag := rr.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected an ETag header")
	}
	req := httptest.NewRequest(http.MethodGet, "/api/files/doc", nil)
	req.Header.Set("If-None-Match", etag)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotModified {
		t.Fatalf("conditional get status = %d", rr.Code)
	}
}

func TestTrackedChangeFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	env.ai.transformFn = func(context.Context, string, string) (string, error) { return "the party pays", nil }

	rr := doJSON(t, handler, http.MethodGet, "/api/files/doc/tracked-change", nil)
	var view map[string]any
	decodeResponse(t, rr, &view)
	if view["trackedChanges"] != nil {
		t.Fatalf("expected idle document, got %+v", view)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/files/doc/tracked-change", map[string]any{
		"selectedText": "the party shall pay",
		"command":      "shorter",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("begin status = %d body=%s", rr.Code, rr.Body.String())
	}
	decodeResponse(t, rr, &view)
	if view["content"] != pendingHTML {
		t.Fatalf("content = %v", view["content"])
	}
	diff := view["diff"].([]any)
	if len(diff) == 0 {
		t.Fatal("expected a review diff")
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/files/doc/tracked-change", map[string]any{"selectedText": "the fee"})
	var errBody map[string]any
	decodeResponse(t, rr, &errBody)
	if rr.Code != http.StatusConflict || errBody["code"] != "EDIT_PENDING" {
		t.Fatalf("second begin = %d %+v", rr.Code, errBody)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/files/doc/tracked-change/versions", map[string]any{"text": "each party pays"})
	if rr.Code != http.StatusOK {
		t.Fatalf("manual version status = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, handler, http.MethodPost, "/api/files/doc/tracked-change/prev", nil)
	decodeResponse(t, rr, &view)
	if view["canNext"] != true || view["content"] != pendingHTML {
		t.Fatalf("prev view = %+v", view)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/files/doc/tracked-change/accept", nil)
	decodeResponse(t, rr, &view)
	if rr.Code != http.StatusOK || view["content"] != "<p>Whereas the party pays the fee.</p>" || view["trackedChanges"] != nil {
		t.Fatalf("accept = %d %+v", rr.Code, view)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/files/doc/tracked-change/next", nil)
	decodeResponse(t, rr, &errBody)
	if rr.Code != http.StatusConflict || errBody["code"] != "NO_PENDING_CHANGE" {
		t.Fatalf("navigate when idle = %d %+v", rr.Code, errBody)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/files/doc/history", nil)
	var revisions map[string]any
	decodeResponse(t, rr, &revisions)
	if list := revisions["revisions"].([]any); len(list) != 1 {
		t.Fatalf("unexpected revisions %+v", revisions)
	}
	rr = doJSON(t, handler, http.MethodGet, "/api/files/doc/history/abc1234", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revision status = %d", rr.Code)
	}
	rr = doJSON(t, handler, http.MethodGet, "/api/files/doc/history/fffffff", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown revision status = %d", rr.Code)
	}
}

func TestTrackedChangeErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		failure  error
		selected string
		status   int
		code     string
	}{
		{name: "timeout", failure: gateway.ErrTimeout, selected: "the fee", status: http.StatusGatewayTimeout, code: "AI_TIMEOUT"},
		{name: "upstream", failure: gateway.ErrUpstream, selected: "the fee", status: http.StatusInternalServerError, code: "AI_ERROR"},
		{name: "missing text", selected: "absent words", status: http.StatusUnprocessableEntity, code: "TEXT_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.ai.transformFn = func(context.Context, string, string) (string, error) { return "", tt.failure }
			handler := NewHTTPServer(env.svc, "*").Handler()

			rr := doJSON(t, handler, http.MethodPost, "/api/files/doc/tracked-change", map[string]any{"selectedText": tt.selected})
			var body map[string]any
			decodeResponse(t, rr, &body)
			if rr.Code != tt.status || body["code"] != tt.code {
				t.Fatalf("got %d %+v, want %d %s", rr.Code, body, tt.status, tt.code)
			}
			if doc := env.document(t); doc.Content != contractHTML {
				t.Fatalf("failed request modified the document: %s", doc.Content)
			}
		})
	}
}

func TestCrossingSelectionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	formatted := "<p>The <b>party shall</b> pay.</p>"
	if _, _, err := env.svc.ReplaceDocument(context.Background(), "doc", ReplaceDocumentInput{Content: formatted}); err != nil {
		t.Fatalf("ReplaceDocument() error = %v", err)
	}
	handler := NewHTTPServer(env.svc, "*").Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/files/doc/tracked-change", map[string]any{"selectedText": "The party"})
	var body map[string]any
	decodeResponse(t, rr, &body)
	if rr.Code != http.StatusUnprocessableEntity || body["code"] != "SELECTION_CROSSES_ELEMENT" {
		t.Fatalf("got %d %+v", rr.Code, body)
	}
}

func TestProcessMultipartWithAttachments(t *testing.T) {
	env := newTestEnv(t)
	env.ai.askFn = func(_ context.Context, q gateway.Question) (gateway.Reply, error) {
		if len(q.History) != 1 || len(q.Sources) != 1 {
			t.Errorf("unexpected question %+v", q)
		}
		return gateway.Reply{Text: "ok"}, nil
	}
	handler := NewHTTPServer(env.svc, "*").Handler()

	build := func(fileName string, content []byte) *http.Request {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		_ = mw.WriteField("input", "Summarize")
		_ = mw.WriteField("editorContent", contractHTML)
		_ = mw.WriteField("inputMode", "question")
		_ = mw.WriteField("conversationHistory", `[{"role":"user","content":"hi","type":"text"}]`)
		_ = mw.WriteField("selectedSources", `["Schedule A"]`)
		part, _ := mw.CreateFormFile("files", fileName)
		_, _ = part.Write(content)
		_ = mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/api/process", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, build("brief.pdf", []byte("%PDF-1.7 body")))
	if rr.Code != http.StatusOK {
		t.Fatalf("process status = %d body=%s", rr.Code, rr.Body.String())
	}
	var result map[string]any
	decodeResponse(t, rr, &result)
	attachments, _ := result["attachments"].([]any)
	if result["reply"] != "ok" || len(attachments) != 1 || attachments[0].(map[string]any)["type"] != "pdf" {
		t.Fatalf("unexpected result %+v", result)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, build("notes.txt", []byte("plain")))
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("txt upload status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, build("fake.docx", []byte("not a zip")))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("mislabelled upload status = %d", rr.Code)
	}
}

func TestProcessEditSeesPendingSuggestion(t *testing.T) {
	env := newTestEnv(t)
	var got *gateway.PendingEdit
	env.ai.suggestFn = func(_ context.Context, req gateway.EditRequest) (gateway.Suggestion, error) {
		got = req.Pending
		return gateway.Suggestion{Original: "the fee", Suggested: "the charge"}, nil
	}
	handler := NewHTTPServer(env.svc, "*").Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/process", map[string]any{
		"input":         "use charge",
		"editorContent": contractHTML,
		"inputMode":     "edit",
		"trackedChanges": map[string]any{
			"original":            "the party shall pay",
			"versions":            []string{"the party pays", "each party pays"},
			"currentVersionIndex": 1,
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("process status = %d body=%s", rr.Code, rr.Body.String())
	}
	if got == nil || got.Original != "the party shall pay" || got.Current != "each party pays" {
		t.Fatalf("pending suggestion = %+v", got)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/process", map[string]any{
		"input":          "use charge",
		"inputMode":      "edit",
		"trackedChanges": "not an object",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed trackedChanges status = %d", rr.Code)
	}
}

func TestProcessRejectsMissingInput(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	rr := doJSON(t, handler, http.MethodPost, "/api/process", map[string]any{"inputMode": "question"})
	var body map[string]any
	decodeResponse(t, rr, &body)
	if rr.Code != http.StatusBadRequest || body["error"] != "Invalid request format" {
		t.Fatalf("got %d %+v", rr.Code, body)
	}
}

func TestHoverbarEndpoint(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/hoverbar", map[string]any{"selectedText": "the fee", "command": "longer"})
	var body map[string]any
	decodeResponse(t, rr, &body)
	if rr.Code != http.StatusOK || body["text"] != "THE FEE" {
		t.Fatalf("got %d %+v", rr.Code, body)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/hoverbar", map[string]any{"selectedText": "the fee"})
	var invalid struct {
		Code    string       `json:"code"`
		Details []fieldError `json:"details"`
	}
	decodeResponse(t, rr, &invalid)
	if rr.Code != http.StatusBadRequest || invalid.Code != "VALIDATION_ERROR" {
		t.Fatalf("missing command got %d %+v", rr.Code, invalid)
	}
	if len(invalid.Details) != 1 || invalid.Details[0] != (fieldError{Field: "command", Rule: "required"}) {
		t.Fatalf("details = %+v", invalid.Details)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/hoverbar", map[string]any{"selectedText": "  ", "command": "longer"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank selection status = %d", rr.Code)
	}
}

func TestSearchEndpointUsesScan(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	rr := doJSON(t, handler, http.MethodGet, "/api/search?q=shall+pay&limit=5", nil)
	var body map[string]any
	decodeResponse(t, rr, &body)
	results := body["results"].([]any)
	if rr.Code != http.StatusOK || len(results) != 1 || results[0].(map[string]any)["id"] != "doc" {
		t.Fatalf("got %d %+v", rr.Code, body)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	for _, path := range []string{"/api/nope", "/api/files/doc/unknown", "/api/files/doc/tracked-change/sideways"} {
		rr := doJSON(t, handler, http.MethodPost, path, nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d", path, rr.Code)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/api/files":                           "/api/files",
		"/api/files/abc":                       "/api/files/{id}",
		"/api/files/abc/tracked-change/accept": "/api/files/{id}/tracked-change/accept",
		"/api/files/abc/history/1234567":       "/api/files/{id}/history/{hash}",
		"/random":                              "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-ID") != "req-1" {
		t.Fatalf("X-Request-ID = %q", rr.Header().Get("X-Request-ID"))
	}
}
