package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vincentbai/sessiontrace/internal/database"
	"github.com/vincentbai/sessiontrace/internal/models"
	"github.com/vincentbai/sessiontrace/internal/reporter"
	"github.com/vincentbai/sessiontrace/internal/transport"
)

func setupTestServer(t *testing.T, opts ...Option) (*Server, func()) {
	t.Helper()

	// Create temporary database
	tmpDir, err := os.MkdirTemp("", "sessiontrace-server-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create test database: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger)}, opts...)
	server := NewServer(db, "127.0.0.1:0", opts...) // Port 0 for testing

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return server, cleanup
}

func testPayload() models.Payload {
	return reporter.Build(reporter.Snapshot{
		BusinessID: "biz-1",
		UserID:     "user-1",
		Events: []models.Event{
			{Type: models.EventPageView, Page: "/", Timestamp: 1234567890000, Data: map[string]any{"page": "/", "previousPage": nil}},
			{Type: models.EventClick, Page: "/", Timestamp: 1234567890100, RelativeTime: 100, Data: map[string]any{"target": "BUTTON"}},
		},
		EntryPage: "/",
		ExitPage:  "/",
	})
}

func postSession(t *testing.T, handler http.Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	req.Header.Set("Content-Type", transport.ContentType)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestNewServer(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	if server == nil {
		t.Fatal("Expected non-nil server")
	}
	if server.db == nil {
		t.Fatal("Expected non-nil database")
	}
	if server.address != "127.0.0.1:0" {
		t.Errorf("Expected address 127.0.0.1:0, got %s", server.address)
	}
}

func TestHandleHealthz(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	server.handleHealthz(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body := w.Body.String()
	if body != "ok" {
		t.Errorf("Expected body 'ok', got %s", body)
	}
}

func TestHandleSessionsSuccess(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	jsonData, _ := json.Marshal(testPayload())
	w := postSession(t, server.setupRoutes(), jsonData)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created["id"] == "" {
		t.Error("Expected session id in response")
	}
}

func TestGetSessionRoundTrip(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	routes := server.setupRoutes()

	jsonData, _ := json.Marshal(testPayload())
	w := postSession(t, routes, jsonData)
	var created map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+created["id"], nil)
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var stored database.StoredSession
	if err := json.Unmarshal(w.Body.Bytes(), &stored); err != nil {
		t.Fatalf("Failed to decode session: %v", err)
	}
	if stored.ID != created["id"] {
		t.Errorf("Expected id %s, got %s", created["id"], stored.ID)
	}
	if len(stored.Payload.TrackerEvents) != 2 || stored.Payload.TotalClicks != 1 {
		t.Errorf("Unexpected stored payload: %+v", stored.Payload)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/sessions/missing", nil)
	w := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestHandleSessionsInvalidJSON(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := postSession(t, server.setupRoutes(), []byte(`{"tracker_events": [invalid json]}`))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleSessionsCustomEventType(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	payload := testPayload()
	payload.TrackerEvents = append(payload.TrackerEvents, models.Event{
		Type: "scroll", Page: "/", Timestamp: 1234567890200, RelativeTime: 200,
		Data: map[string]any{"percent": 40},
	})
	jsonData, _ := json.Marshal(payload)
	w := postSession(t, server.setupRoutes(), jsonData)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	count, err := server.db.CountSessions(context.Background(), "biz-1")
	if err != nil {
		t.Fatalf("Failed to count sessions: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 stored session, got %d", count)
	}
}

func TestHandleSessionsInvalidPayload(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	payload := testPayload()
	payload.BusinessID = "" // Invalid: missing business id
	jsonData, _ := json.Marshal(payload)
	w := postSession(t, server.setupRoutes(), jsonData)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleSessionsTooLarge(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	body := `{"business_id":"` + strings.Repeat("x", MaxPayloadBytes) + `"}`
	w := postSession(t, server.setupRoutes(), []byte(body))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", w.Code)
	}
}

func TestSetupRoutes(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	routes := server.setupRoutes()
	if routes == nil {
		t.Fatal("Expected non-nil router")
	}

	// Test that routes are registered
	tests := []struct {
		path   string
		method string
		status int
	}{
		{"/healthz", http.MethodGet, http.StatusOK},
		{"/sessions", http.MethodGet, http.StatusMethodNotAllowed}, // Only POST allowed
		{"/events", http.MethodPost, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			routes.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("Expected status %d for %s %s, got %d", tt.status, tt.method, tt.path, w.Code)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	server, cleanup := setupTestServer(t, WithAllowedOrigins([]string{"https://shop.example"}))
	defer cleanup()
	routes := server.setupRoutes()

	for origin, want := range map[string]string{
		"https://shop.example":  "https://shop.example",
		"https://other.example": "",
	} {
		req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Errorf("Origin %s: expected allow-origin %q, got %q", origin, want, got)
		}
	}
}

func TestRateLimit(t *testing.T) {
	server, cleanup := setupTestServer(t, WithRateLimit(1))
	defer cleanup()
	routes := server.setupRoutes()

	jsonData, _ := json.Marshal(testPayload())
	if w := postSession(t, routes, jsonData); w.Code != http.StatusCreated {
		t.Fatalf("Expected first request to succeed, got %d", w.Code)
	}
	if w := postSession(t, routes, jsonData); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", w.Code)
	}
}

func TestSenderDeliversToServer(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	ts := httptest.NewServer(server.setupRoutes())
	defer ts.Close()

	body, _ := json.Marshal(testPayload())
	sender := transport.NewSender(ts.URL+"/sessions", transport.WithHTTPClient(ts.Client()))
	method, err := sender.Deliver(context.Background(), body)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if method != transport.MethodHTTP {
		t.Errorf("Expected HTTP delivery, got %s", method)
	}

	n, err := server.db.CountSessions(context.Background(), "biz-1")
	if err != nil {
		t.Fatalf("Failed to count sessions: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 stored session, got %d", n)
	}
}
