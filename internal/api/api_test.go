package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/advisor/internal/advisor"
	"github.com/joescharf/advisor/internal/dispatch"
	"github.com/joescharf/advisor/internal/models"
	"github.com/joescharf/advisor/internal/protocol"
	"github.com/joescharf/advisor/internal/store"
)

// dairyAdvisor asks about herd size once, then answers.
func dairyAdvisor() advisor.Advisor {
	return advisor.Func(func(_ context.Context, msgs []models.Message) (advisor.Result, error) {
		if len(msgs) == 1 {
			return advisor.ClarificationNeeded{
				Question:      "How many cows?",
				Options:       []string{"1-10", "11-50", "50+"},
				AllowFreeText: true,
			}, nil
		}
		return advisor.FinalAnswer{Text: "For 11-50 dairy cows, recommend a TMR ration."}, nil
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestServer(t *testing.T, adv advisor.Advisor, opts ...Option) (*Server, store.Store) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	d := dispatch.New(s, adv, dispatch.Config{AdvisorTimeout: time.Second}, dispatch.WithLogger(quietLogger()))
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewServer(s, d, opts...), s
}

func postChat(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/chat", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestChat_ClarificationFlow(t *testing.T) {
	srv, s := setupTestServer(t, dairyAdvisor())
	router := srv.Router()

	w := postChat(t, router, `{"session_id":"farm-1","user_input":"What feed is best for dairy cows?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"status": "requires_input",
		"session_id": "farm-1",
		"ui": {"question": "How many cows?", "options": ["1-10", "11-50", "50+"], "allow_free_text": true}
	}`, w.Body.String())

	w = postChat(t, router, `{"session_id":"farm-1","user_input":"23"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp protocol.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, protocol.StatusComplete, resp.Status)
	assert.Equal(t, "For 11-50 dairy cows, recommend a TMR ration.", resp.Advice)
	assert.Nil(t, resp.UI)

	sess, err := s.Get(context.Background(), "farm-1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 4)
	assert.Equal(t, models.StateIdle, sess.State())
}

func TestChat_NewSessionID(t *testing.T) {
	srv, _ := setupTestServer(t, dairyAdvisor())

	w := postChat(t, srv.Router(), `{"user_input":"What feed is best?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp protocol.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.SessionID, 26)
}

// conflictStore loses every compare-and-swap race.
type conflictStore struct {
	store.Store
}

func (conflictStore) CompareAndSwap(_ context.Context, id string, expected int64, _ *models.Session) error {
	return fmt.Errorf("compare and swap %s (want %d): %w", id, expected, store.ErrVersionConflict)
}

// brokenStore cannot load sessions.
type brokenStore struct {
	store.Store
}

func (brokenStore) CreateIfAbsent(context.Context, string) (*models.Session, error) {
	return nil, errors.New("disk I/O error")
}

func TestChat_Errors(t *testing.T) {
	failing := advisor.Func(func(context.Context, []models.Message) (advisor.Result, error) {
		return nil, errors.New("overloaded")
	})

	tests := []struct {
		name   string
		adv    advisor.Advisor
		wrap   func(store.Store) store.Store
		body   string
		status int
		kind   string
	}{
		{"empty input", dairyAdvisor(), nil, `{"session_id":"s","user_input":""}`, http.StatusBadRequest, "invalid_input"},
		{"whitespace input", dairyAdvisor(), nil, `{"session_id":"s","user_input":"   "}`, http.StatusBadRequest, "invalid_input"},
		{"malformed json", dairyAdvisor(), nil, `{"session_id":`, http.StatusBadRequest, "invalid_input"},
		{"too long", dairyAdvisor(), nil, `{"session_id":"s","user_input":"` + strings.Repeat("a", 4001) + `"}`, http.StatusBadRequest, "invalid_input"},
		{"advisor down", failing, nil, `{"session_id":"s","user_input":"hello"}`, http.StatusServiceUnavailable, "advisor_unavailable"},
		{"session busy", dairyAdvisor(), func(s store.Store) store.Store { return conflictStore{s} },
			`{"session_id":"s","user_input":"hello"}`, http.StatusConflict, "session_busy"},
		{"storage failure", dairyAdvisor(), func(s store.Store) store.Store { return brokenStore{s} },
			`{"session_id":"s","user_input":"hello"}`, http.StatusInternalServerError, "storage_failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := setupTestServer(t, tt.adv)
			if tt.wrap != nil {
				st := tt.wrap(srv.store)
				d := dispatch.New(st, tt.adv, dispatch.Config{AdvisorTimeout: time.Second}, dispatch.WithLogger(quietLogger()))
				srv = NewServer(st, d, WithLogger(quietLogger()))
			}
			w := postChat(t, srv.Router(), tt.body)
			assert.Equal(t, tt.status, w.Code)

			var resp protocol.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestSessions_InvalidID(t *testing.T) {
	srv, _ := setupTestServer(t, dairyAdvisor())
	router := srv.Router()
	long := strings.Repeat("x", dispatch.MaxSessionIDLength+1)

	for _, method := range []string{"GET", "DELETE"} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/sessions/"+long, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp protocol.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "invalid_input", resp.Kind)
		})
	}
}

func TestChat_AdvisorFailureLeavesSessionUnchanged(t *testing.T) {
	failing := advisor.Func(func(context.Context, []models.Message) (advisor.Result, error) {
		return nil, errors.New("overloaded")
	})
	srv, s := setupTestServer(t, failing)

	w := postChat(t, srv.Router(), `{"session_id":"s","user_input":"hello"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	sess, err := s.Get(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sess.Version)
	assert.Empty(t, sess.Messages)
}

func TestSessions_ListGetDelete(t *testing.T) {
	srv, _ := setupTestServer(t, dairyAdvisor())
	router := srv.Router()

	postChat(t, router, `{"session_id":"a","user_input":"What feed?"}`)
	postChat(t, router, `{"session_id":"b","user_input":"What feed?"}`)

	// List
	req := httptest.NewRequest("GET", "/sessions?limit=1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var summaries []models.SessionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)

	// Get
	req = httptest.NewRequest("GET", "/sessions/a", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var detail protocol.SessionDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, "a", detail.SessionID)
	assert.Equal(t, models.StateAwaitingClarification, detail.State)
	require.NotNil(t, detail.Pending)
	assert.Equal(t, "How many cows?", detail.Pending.Question)
	assert.Len(t, detail.Messages, 2)

	// Delete
	req = httptest.NewRequest("DELETE", "/sessions/a", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Gone
	req = httptest.NewRequest("GET", "/sessions/a", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest("DELETE", "/sessions/a", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessions_ListEmptyAndBadLimit(t *testing.T) {
	srv, _ := setupTestServer(t, dairyAdvisor())
	router := srv.Router()

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	req = httptest.NewRequest("GET", "/sessions?limit=zero", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// downStore fails pings.
type downStore struct {
	store.Store
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthAndReady(t *testing.T) {
	srv, _ := setupTestServer(t, dairyAdvisor(), WithVersion("1.2.3"))
	router := srv.Router()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","version":"1.2.3"}`, w.Body.String())

	req = httptest.NewRequest("GET", "/ready", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	down := NewServer(downStore{store.NewMemoryStore()}, nil, WithLogger(quietLogger())).Router()

	req = httptest.NewRequest("GET", "/health", nil)
	w = httptest.NewRecorder()
	down.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")

	req = httptest.NewRequest("GET", "/ready", nil)
	w = httptest.NewRecorder()
	down.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := dispatch.NewMetrics(reg)

	st := store.NewMemoryStore()
	d := dispatch.New(st, dairyAdvisor(), dispatch.Config{}, dispatch.WithLogger(quietLogger()), dispatch.WithMetrics(m))
	router := NewServer(st, d, WithLogger(quietLogger()), WithGatherer(reg)).Router()

	postChat(t, router, `{"session_id":"m","user_input":"What feed?"}`)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `advisor_turns_total{outcome="requires_input"} 1`)
}

func TestMetricsEndpoint_DisabledWithoutGatherer(t *testing.T) {
	srv, _ := setupTestServer(t, dairyAdvisor())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, dairyAdvisor(), WithCORSOrigin("https://farm.example"))
	router := srv.Router()

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/chat", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://farm.example", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("request id assigned", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Len(t, w.Header().Get("X-Request-ID"), 36)
	})

	t.Run("request id echoed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
	})
}

func TestLogMiddleware_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	srv, _ := setupTestServer(t, dairyAdvisor(), WithLogger(logger))

	req := httptest.NewRequest("GET", "/sessions/missing", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, buf.String(), "status=404")
	assert.Contains(t, buf.String(), "path=/sessions/missing")
}
