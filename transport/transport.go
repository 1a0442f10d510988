package transport

import (
	"context"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lifelog_sync/ratelimit"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 60 * time.Second
	maxErrorDetail    = 512
)

// Client executes HTTP calls with rate gating, circuit breaking, and
// bounded retry of transient failures. Requests are rebuilt per attempt
// so bodies can be replayed.
type Client struct {
	http       *http.Client
	gate       *ratelimit.Gate
	breaker    *ratelimit.Breaker
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	sleep func(context.Context, time.Duration) error
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	HTTP       *http.Client
	Gate       *ratelimit.Gate
	Breaker    *ratelimit.Breaker
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// New creates a resilient call wrapper.
func New(opts Options) *Client {
	c := &Client{
		http:       opts.HTTP,
		gate:       opts.Gate,
		breaker:    opts.Breaker,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		sleep:      sleepCtx,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = defaultMaxDelay
	}
	return c
}

// Do executes one logical call, retrying transient failures with
// exponential backoff. The build function is invoked once per attempt.
func (c *Client) Do(ctx context.Context, op string, build func(context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			log.Printf("op=%s attempt=%d retrying in %s: %v", op, attempt+1, delay.Round(time.Millisecond), lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		resp, err := c.attempt(ctx, op, build)
		if err == nil {
			return resp, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, op string, build func(context.Context) (*http.Request, error)) (*http.Response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, &Error{Kind: KindCircuitOpen, Op: op, Detail: "circuit breaker open"}
	}
	if c.gate != nil {
		if err := c.gate.Acquire(ctx); err != nil {
			return nil, err
		}
	}
	req, err := build(ctx)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Op: op, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.recordSuccess()
		return resp, nil
	}

	detail := readErrorDetail(resp)
	c.recordFailure()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if d := retryAfter(resp); d > 0 && c.gate != nil {
			log.Printf("op=%s rate limited, honoring Retry-After %s", op, d)
			c.gate.SuspendFor(d)
		}
		return nil, &Error{Kind: KindTransient, Op: op, Status: resp.StatusCode, Detail: detail}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindTransient, Op: op, Status: resp.StatusCode, Detail: detail}
	default:
		return nil, &Error{Kind: KindPermanent, Op: op, Status: resp.StatusCode, Detail: detail}
	}
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

// backoff returns min(base*2^n, max) scaled by jitter in [0.5, 1.0).
func (c *Client) backoff(n int) time.Duration {
	delay := c.baseDelay << uint(n)
	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}
	return time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
}

func readErrorDetail(resp *http.Response) string {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetail))
	if err != nil || len(body) == 0 {
		return ""
	}
	return strings.TrimSpace(string(body))
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		return time.Until(t)
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
