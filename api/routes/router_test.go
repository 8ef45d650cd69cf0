package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/eventpipe/api/controllers"
	"github.com/angelmondragon/eventpipe/api/responses"
	"github.com/angelmondragon/eventpipe/internal/tasks"
	"github.com/angelmondragon/eventpipe/pkg/config"
	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/pagination"
)

type stubSummary struct {
	projectID uuid.UUID
}

func (s *stubSummary) Get(ctx context.Context, projectID uuid.UUID) (tasks.Summary, error) {
	s.projectID = projectID
	return tasks.Summary{ProjectID: projectID, Tasks: 3}, nil
}

func testConfig() *config.Config {
	return &config.Config{App: config.AppConfig{Env: "test"}}
}

func testRouter(opts Options) http.Handler {
	return NewRouter(testConfig(), logger.New(logger.Options{ServiceName: "routes-test"}), opts)
}

func TestHealthLive(t *testing.T) {
	w := httptest.NewRecorder()
	testRouter(Options{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
}

func TestHealthReadyReportsFailingDependencies(t *testing.T) {
	router := testRouter(Options{Checks: []controllers.Check{
		{Name: "database", Ping: func(context.Context) error { return nil }},
		{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }},
	}})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body responses.ErrorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	details, ok := body.Error.Details.(map[string]any)
	if !ok || details["redis"] != "connection refused" {
		t.Fatalf("expected redis in details, got %v", body.Error.Details)
	}
	if _, ok := details["database"]; ok {
		t.Fatal("healthy dependency must not be listed")
	}
}

func TestMetricsServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "routes_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	w := httptest.NewRecorder()
	testRouter(Options{Gatherer: reg}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), "routes_test_total 1") {
		t.Fatalf("metric not exposed:\n%s", body)
	}
}

func TestTaskSummaryRoute(t *testing.T) {
	reader := &stubSummary{}
	router := testRouter(Options{Summary: reader})
	projectID := uuid.New()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/projects/"+projectID.String()+"/task-summary", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if reader.projectID != projectID {
		t.Fatalf("reader got %s", reader.projectID)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/projects/not-a-uuid/task-summary", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", w.Code)
	}
}

func TestTaskSummaryRouteIsOptional(t *testing.T) {
	w := httptest.NewRecorder()
	testRouter(Options{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/projects/"+uuid.NewString()+"/task-summary", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

type stubPager struct {
	consumer string
	limit    int
	cursor   *pagination.Cursor
}

func (s *stubPager) Page(ctx context.Context, consumer string, limit int, cursor *pagination.Cursor) ([]models.DeadLetter, *pagination.Cursor, error) {
	s.consumer, s.limit, s.cursor = consumer, limit, cursor
	next := &pagination.Cursor{CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), ID: uuid.New()}
	return []models.DeadLetter{{ID: uuid.New(), Consumer: consumer}}, next, nil
}

func TestDeadLettersRoute(t *testing.T) {
	pager := &stubPager{}
	router := testRouter(Options{DeadLetters: pager, DeadLetterConsumer: "task-projection-online"})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dead-letters?limit=10", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if pager.consumer != "task-projection-online" || pager.limit != 10 || pager.cursor != nil {
		t.Fatalf("unexpected page args: %+v", pager)
	}
	var body struct {
		Data struct {
			Items      []models.DeadLetter `json:"items"`
			NextCursor string              `json:"next_cursor"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data.Items) != 1 || body.Data.NextCursor == "" {
		t.Fatalf("unexpected page: %+v", body.Data)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dead-letters?consumer=other&cursor="+body.Data.NextCursor, nil))
	if w.Code != http.StatusOK || pager.consumer != "other" || pager.cursor == nil {
		t.Fatalf("cursor not forwarded: code=%d pager=%+v", w.Code, pager)
	}
}

func TestDeadLettersRouteRejectsBadInput(t *testing.T) {
	router := testRouter(Options{DeadLetters: &stubPager{}})
	for _, query := range []string{"limit=0", "limit=abc", "cursor=not-base64!"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dead-letters?"+query, nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, w.Code)
		}
	}
}
