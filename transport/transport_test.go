package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lifelog_sync/ratelimit"
)

func getReq(url string) func(context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func fastClient(opts Options) *Client {
	c := New(opts)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestDoRetriesServerErrorThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "upstream sad", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := fastClient(Options{})
	resp, err := c.Do(context.Background(), "test.get", getReq(srv.URL))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestDoDoesNotRetryClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := fastClient(Options{})
	_, err := c.Do(context.Background(), "test.get", getReq(srv.URL))
	if !IsKind(err, KindPermanent) {
		t.Fatalf("error kind = %v, want permanent", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 400)", got)
	}
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := fastClient(Options{MaxRetries: 2})
	_, err := c.Do(context.Background(), "test.get", getReq(srv.URL))
	if !IsTransient(err) {
		t.Fatalf("error kind = %v, want transient", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestDoHonorsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	gate := ratelimit.NewGate(600)
	c := fastClient(Options{Gate: gate, MaxRetries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, "test.get", getReq(srv.URL))
	if err == nil {
		t.Fatal("expected error")
	}
	if !gate.Suspended() {
		t.Fatal("429 Retry-After did not suspend the gate")
	}
}

func TestDoFastFailsWhenCircuitOpen(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	br := ratelimit.NewBreaker("test", 1, time.Minute)
	br.RecordFailure()
	c := fastClient(Options{Breaker: br})
	_, err := c.Do(context.Background(), "test.get", getReq(srv.URL))
	if !IsKind(err, KindCircuitOpen) {
		t.Fatalf("error kind = %v, want circuit_open", err)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("calls = %d, want 0 (no network attempt)", got)
	}
}

func TestDoTripsBreakerOnConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	br := ratelimit.NewBreaker("test", 5, time.Minute)
	c := fastClient(Options{Breaker: br, MaxRetries: 4})
	_, err := c.Do(context.Background(), "test.get", getReq(srv.URL))
	if !IsTransient(err) {
		t.Fatalf("error kind = %v, want transient", err)
	}
	if got := br.State(); got != ratelimit.StateOpen {
		t.Fatalf("breaker state = %v, want open after 5 failures", got)
	}
}

func TestBackoffIsBounded(t *testing.T) {
	c := New(Options{BaseDelay: time.Second, MaxDelay: 60 * time.Second})
	for n := 0; n < 20; n++ {
		d := c.backoff(n)
		if d > 60*time.Second {
			t.Fatalf("backoff(%d) = %v exceeds cap", n, d)
		}
		if d <= 0 {
			t.Fatalf("backoff(%d) = %v, want positive", n, d)
		}
	}
}

func TestKindHelpers(t *testing.T) {
	err := &Error{Kind: KindPollExhausted, Op: "memorybox.status", Detail: "gave up"}
	if IsTransient(err) {
		t.Fatal("poll_exhausted must not classify as transient")
	}
	if !IsKind(err, KindPollExhausted) {
		t.Fatal("IsKind missed poll_exhausted")
	}
	if k, ok := KindOf(err); !ok || k != KindPollExhausted {
		t.Fatalf("KindOf = %v/%v", k, ok)
	}
}
