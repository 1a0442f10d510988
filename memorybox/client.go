package memorybox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"lifelog_sync/transport"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollAttempts = 10

	sourceType = "application_plugin"
	platform   = "limitless_pendant"
)

// Client talks to the Memory Box v2 API.
type Client struct {
	baseURL string
	apiKey  string
	bucket  string

	pollInterval time.Duration
	pollAttempts int

	call *transport.Client

	mu      sync.Mutex
	ensured bool
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	APIKey       string
	Bucket       string
	PollInterval time.Duration
	PollAttempts int
	Call         *transport.Client
}

// New creates a Memory Box client bound to one bucket.
func New(opts Options) *Client {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	attempts := opts.PollAttempts
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}
	call := opts.Call
	if call == nil {
		call = transport.New(transport.Options{})
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		bucket:       opts.Bucket,
		pollInterval: interval,
		pollAttempts: attempts,
		call:         call,
	}
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string { return c.bucket }

// Reference carries provenance for a submitted memory.
type Reference struct {
	LifelogID string
	Title     string
	Category  string
	StartTime time.Time
	EndTime   time.Time
	IsStarred bool
	Speakers  []string
	Tags      []string
}

func (r Reference) payload() map[string]any {
	return map[string]any{
		"source": map[string]any{
			"platform": platform,
			"url":      "limitless://lifelog/" + r.LifelogID,
			"title":    "Limitless Lifelog - " + r.Category,
		},
		"content_context": map[string]any{
			"lifelog_id": r.LifelogID,
			"title":      r.Title,
			"category":   r.Category,
			"start_time": r.StartTime.Format(time.RFC3339),
			"end_time":   r.EndTime.Format(time.RFC3339),
			"is_starred": r.IsStarred,
			"speakers":   r.Speakers,
		},
		"additional_context": map[string]any{
			"tags":      r.Tags,
			"synced_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// EnsureBucket makes sure the configured bucket exists, creating it on
// first use. The check runs once per process.
func (c *Client) EnsureBucket(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ensured {
		return nil
	}

	resp, err := c.do(ctx, "memorybox.buckets", http.MethodGet, "/api/v2/buckets", nil)
	if err != nil {
		return err
	}
	var listing struct {
		Items []struct {
			BucketName string `json:"bucket_name"`
		} `json:"items"`
	}
	err = json.NewDecoder(resp.Body).Decode(&listing)
	resp.Body.Close()
	if err != nil {
		return &transport.Error{Kind: transport.KindPermanent, Op: "memorybox.buckets", Err: err}
	}
	for _, b := range listing.Items {
		if b.BucketName == c.bucket {
			c.ensured = true
			return nil
		}
	}

	log.Printf("memorybox: creating bucket %s", c.bucket)
	q := url.Values{}
	q.Set("bucket_name", c.bucket)
	resp, err = c.do(ctx, "memorybox.bucket_create", http.MethodPost, "/api/v2/buckets?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.ensured = true
	return nil
}

// Submit stores one memory and returns its Memory Box id.
func (c *Client) Submit(ctx context.Context, markdown string, ref Reference) (int64, error) {
	body := map[string]any{
		"raw_content":    markdown,
		"bucketId":       c.bucket,
		"source_type":    sourceType,
		"reference_data": ref.payload(),
	}
	resp, err := c.do(ctx, "memorybox.submit", http.MethodPost, "/api/v2/memory", body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return 0, &transport.Error{Kind: transport.KindPermanent, Op: "memorybox.submit", Err: err}
	}
	if created.ID == 0 {
		return 0, &transport.Error{Kind: transport.KindPermanent, Op: "memorybox.submit", Detail: "response missing memory id"}
	}
	return created.ID, nil
}

// AwaitProcessed polls a memory's processing status until it reaches a
// terminal state or the poll budget runs out.
func (c *Client) AwaitProcessed(ctx context.Context, memoryID int64) error {
	op := "memorybox.status"
	path := fmt.Sprintf("/api/v2/memory/%d/status", memoryID)

	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		status, err := c.fetchStatus(ctx, op, path)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			// Status poll failures are not fatal for the memory itself.
			log.Printf("memorybox: status poll failed memory=%d attempt=%d err=%v", memoryID, attempt, err)
		} else {
			switch status {
			case "processed":
				return nil
			case "failed":
				return &transport.Error{
					Kind:   transport.KindProcessingFailed,
					Op:     op,
					Detail: fmt.Sprintf("memory %d failed processing", memoryID),
				}
			}
		}
		if attempt < c.pollAttempts {
			select {
			case <-time.After(c.pollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &transport.Error{
		Kind:   transport.KindPollExhausted,
		Op:     op,
		Detail: fmt.Sprintf("memory %d still processing after %d polls", memoryID, c.pollAttempts),
	}
}

func (c *Client) fetchStatus(ctx context.Context, op, path string) (string, error) {
	resp, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var status struct {
		ProcessingStatus string `json:"processing_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", err
	}
	return status.ProcessingStatus, nil
}

// Ping lists buckets to verify credentials and reachability.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, "memorybox.ping", http.MethodGet, "/api/v2/buckets", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any) (*http.Response, error) {
	return c.call.Do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		var reader *strings.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = strings.NewReader(string(encoded))
		} else {
			reader = strings.NewReader("")
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
}
