package memorybox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lifelog_sync/transport"
)

func testClient(srv *httptest.Server, pollAttempts int) *Client {
	return New(Options{
		BaseURL:      srv.URL,
		APIKey:       "token",
		Bucket:       "Lifelogs",
		PollInterval: time.Millisecond,
		PollAttempts: pollAttempts,
	})
}

func TestEnsureBucketExistingIsCached(t *testing.T) {
	var lists, creates int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("Authorization = %q", got)
		}
		switch {
		case r.Method == http.MethodGet:
			lists++
			json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{{"bucket_name": "Other"}, {"bucket_name": "Lifelogs"}},
			})
		default:
			creates++
		}
	}))
	defer srv.Close()

	c := testClient(srv, 1)
	for i := 0; i < 3; i++ {
		if err := c.EnsureBucket(context.Background()); err != nil {
			t.Fatalf("EnsureBucket: %v", err)
		}
	}
	if lists != 1 {
		t.Fatalf("list calls = %d, want 1 (result cached)", lists)
	}
	if creates != 0 {
		t.Fatalf("create calls = %d, want 0", creates)
	}
}

func TestEnsureBucketCreatesMissing(t *testing.T) {
	var createdName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{}})
		case http.MethodPost:
			createdName = r.URL.Query().Get("bucket_name")
			json.NewEncoder(w).Encode(map[string]any{"bucket_name": createdName})
		}
	}))
	defer srv.Close()

	if err := testClient(srv, 1).EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	if createdName != "Lifelogs" {
		t.Fatalf("created bucket = %q, want Lifelogs", createdName)
	}
}

func TestSubmitPayloadAndID(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 4242})
	}))
	defer srv.Close()

	ref := Reference{
		LifelogID: "ll-9",
		Title:     "Standup",
		Category:  "MEETING",
		StartTime: time.Date(2025, 8, 5, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 8, 5, 9, 30, 0, 0, time.UTC),
		Speakers:  []string{"Alice"},
		Tags:      []string{"limitless"},
	}
	id, err := testClient(srv, 1).Submit(context.Background(), "# Standup", ref)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != 4242 {
		t.Fatalf("id = %d, want 4242", id)
	}

	if payload["raw_content"] != "# Standup" {
		t.Errorf("raw_content = %v", payload["raw_content"])
	}
	if payload["bucketId"] != "Lifelogs" {
		t.Errorf("bucketId = %v, want bucket name", payload["bucketId"])
	}
	if payload["source_type"] != "application_plugin" {
		t.Errorf("source_type = %v", payload["source_type"])
	}
	refData, _ := payload["reference_data"].(map[string]any)
	source, _ := refData["source"].(map[string]any)
	if source["platform"] != "limitless_pendant" {
		t.Errorf("platform = %v", source["platform"])
	}
	if source["url"] != "limitless://lifelog/ll-9" {
		t.Errorf("url = %v", source["url"])
	}
}

func TestSubmitRejectsMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	_, err := testClient(srv, 1).Submit(context.Background(), "x", Reference{LifelogID: "ll-1"})
	if !transport.IsKind(err, transport.KindPermanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestAwaitProcessedEventually(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "processing"
		if polls >= 3 {
			status = "processed"
		}
		json.NewEncoder(w).Encode(map[string]any{"processing_status": status})
	}))
	defer srv.Close()

	if err := testClient(srv, 10).AwaitProcessed(context.Background(), 7); err != nil {
		t.Fatalf("AwaitProcessed: %v", err)
	}
	if polls != 3 {
		t.Fatalf("polls = %d, want 3", polls)
	}
}

func TestAwaitProcessedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"processing_status": "failed"})
	}))
	defer srv.Close()

	err := testClient(srv, 10).AwaitProcessed(context.Background(), 7)
	if !transport.IsKind(err, transport.KindProcessingFailed) {
		t.Fatalf("err = %v, want processing_failed", err)
	}
}

func TestAwaitProcessedExhaustsPolls(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		json.NewEncoder(w).Encode(map[string]any{"processing_status": "pending"})
	}))
	defer srv.Close()

	err := testClient(srv, 4).AwaitProcessed(context.Background(), 7)
	if !transport.IsKind(err, transport.KindPollExhausted) {
		t.Fatalf("err = %v, want poll_exhausted", err)
	}
	if polls != 4 {
		t.Fatalf("polls = %d, want 4", polls)
	}
}
