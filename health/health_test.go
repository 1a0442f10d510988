package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"lifelog_sync/backfill"
	"lifelog_sync/ledger"
	"lifelog_sync/limitless"
	"lifelog_sync/metrics"
	"lifelog_sync/queue"
	"lifelog_sync/ratelimit"
)

type stubAgent struct{ running bool }

func (s *stubAgent) Running() bool { return s.running }

type stubPinger struct{ err error }

func (s *stubPinger) Ping(ctx context.Context) error { return s.err }

type stubRepo struct{}

func (stubRepo) FailedEntries(ctx context.Context, limit int) ([]ledger.Entry, error) {
	return nil, nil
}

type stubFetcher struct{}

func (stubFetcher) GetByID(ctx context.Context, id string) (limitless.LifelogEntry, bool, error) {
	return limitless.LifelogEntry{}, false, nil
}

type stubDeliverer struct{}

func (stubDeliverer) Deliver(ctx context.Context, e limitless.LifelogEntry) (string, error) {
	return ledger.StatusDelivered, nil
}

func testRouter(t *testing.T, started bool) (*Router, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q := queue.New(4, 1, time.Second)
	if started {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		q.Start(ctx)
	}

	r := NewRouter(Options{
		Store:    store,
		Queue:    q,
		Metrics:  metrics.New(),
		Agent:    &stubAgent{},
		Backfill: &backfill.Runner{Repo: stubRepo{}, Fetcher: stubFetcher{}, Deliverer: stubDeliverer{}, Limit: 10, MaxAttempts: 3},
		Source:   &stubPinger{},
		Dest:     &stubPinger{err: errors.New("auth expired")},
		Breakers: []*ratelimit.Breaker{ratelimit.NewBreaker("limitless", 5, time.Minute)},
	})
	return r, store
}

func serve(r *Router, method, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	r.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := testRouter(t, true)
	if rec := serve(r, http.MethodGet, "/health"); rec.Code != http.StatusNoContent {
		t.Fatalf("/health = %d, want 204", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/live"); rec.Code != http.StatusNoContent {
		t.Fatalf("/live = %d, want 204", rec.Code)
	}
}

func TestReadyRequiresStartedQueue(t *testing.T) {
	r, _ := testRouter(t, false)
	if rec := serve(r, http.MethodGet, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready = %d, want 503 before queue starts", rec.Code)
	}

	r, _ = testRouter(t, true)
	if rec := serve(r, http.MethodGet, "/ready"); rec.Code != http.StatusNoContent {
		t.Fatalf("/ready = %d, want 204", rec.Code)
	}
}

func TestDetailedReportsUpstreamChecks(t *testing.T) {
	r, _ := testRouter(t, true)
	rec := serve(r, http.MethodGet, "/health/detailed")
	// A degraded upstream is not a local failure.
	if rec.Code != http.StatusOK {
		t.Fatalf("/health/detailed = %d, want 200", rec.Code)
	}

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Fatalf("status = %q", body.Status)
	}
	if body.Checks["limitless"] != "ok" {
		t.Fatalf("limitless check = %q", body.Checks["limitless"])
	}
	if body.Checks["memorybox"] == "ok" {
		t.Fatalf("memorybox check should report the ping error: %v", body.Checks)
	}
}

func TestStatusPayload(t *testing.T) {
	r, store := testRouter(t, true)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := store.RecordAttempt(ctx, "ll-1", "t", now, now.Add(time.Minute)); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := store.MarkDelivered(ctx, "ll-1", 1); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	rec := serve(r, http.MethodGet, "/ops/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("/ops/status = %d", rec.Code)
	}
	var body struct {
		Running  bool              `json:"running"`
		Ledger   ledger.Stats      `json:"ledger"`
		Breakers map[string]string `json:"breakers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Ledger.Delivered != 1 {
		t.Fatalf("ledger stats = %+v", body.Ledger)
	}
	if body.Breakers["limitless"] != "closed" {
		t.Fatalf("breakers = %v", body.Breakers)
	}
}

func TestErrorsEndpoint(t *testing.T) {
	r, store := testRouter(t, true)
	if err := store.LogError(context.Background(), "abc", "ll-1", "transient", "502"); err != nil {
		t.Fatalf("LogError: %v", err)
	}

	rec := serve(r, http.MethodGet, "/ops/errors?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("/ops/errors = %d", rec.Code)
	}
	var errs []ledger.SyncError
	if err := json.Unmarshal(rec.Body.Bytes(), &errs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(errs) != 1 || errs[0].Type != "transient" {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestBackfillEndpointIsPostOnly(t *testing.T) {
	r, _ := testRouter(t, true)
	if rec := serve(r, http.MethodGet, "/ops/backfill"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /ops/backfill = %d, want 405", rec.Code)
	}
	if rec := serve(r, http.MethodPost, "/ops/backfill"); rec.Code != http.StatusAccepted {
		t.Fatalf("POST /ops/backfill = %d, want 202", rec.Code)
	}
}
