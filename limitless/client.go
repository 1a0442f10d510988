package limitless

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lifelog_sync/transport"
)

const (
	// The lifelogs API caps page size at 10 regardless of the
	// requested limit.
	maxPageSize = 10
	// Overlap window subtracted from the start filter so records
	// updated around the watermark are not missed.
	startBuffer = 5 * time.Minute

	startTimeFormat = "2006-01-02 15:04:05"
)

// Client talks to the Limitless lifelogs API.
type Client struct {
	baseURL  string
	apiKey   string
	timezone string
	pageSize int
	call     *transport.Client
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	APIKey   string
	Timezone string
	PageSize int
	Call     *transport.Client
}

// New creates a lifelogs client. Page size is clamped to the API limit.
func New(opts Options) *Client {
	size := opts.PageSize
	if size < 1 || size > maxPageSize {
		size = maxPageSize
	}
	call := opts.Call
	if call == nil {
		call = transport.New(transport.Options{})
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   opts.APIKey,
		timezone: opts.Timezone,
		pageSize: size,
		call:     call,
	}
}

// FetchSince returns a stream of lifelogs updated after since, oldest
// first. Pages are pulled lazily as the stream is consumed, so an
// abandoned stream costs no further requests.
func (c *Client) FetchSince(since time.Time) *Stream {
	return &Stream{c: c, since: since}
}

// Stream pulls lifelog pages on demand. A stream is single-use and not
// safe for concurrent callers; call FetchSince again to restart.
type Stream struct {
	c      *Client
	since  time.Time
	cursor string
	buf    []LifelogEntry
	idx    int
	done   bool
}

// Next returns the next entry in ascending start-time order. ok is
// false once the stream is exhausted.
func (s *Stream) Next(ctx context.Context) (LifelogEntry, bool, error) {
	for s.idx >= len(s.buf) && !s.done {
		if err := s.fetchPage(ctx); err != nil {
			return LifelogEntry{}, false, err
		}
	}
	if s.idx < len(s.buf) {
		e := s.buf[s.idx]
		s.idx++
		return e, true, nil
	}
	return LifelogEntry{}, false, nil
}

func (s *Stream) fetchPage(ctx context.Context) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(s.c.pageSize))
	q.Set("direction", "asc")
	q.Set("includeMarkdown", "true")
	q.Set("includeHeadings", "true")
	q.Set("includeContents", "true")
	if s.c.timezone != "" {
		q.Set("timezone", s.c.timezone)
	}
	if !s.since.IsZero() {
		q.Set("start", s.since.Add(-startBuffer).UTC().Format(startTimeFormat))
	}
	if s.cursor != "" {
		q.Set("cursor", s.cursor)
	}

	resp, err := s.c.get(ctx, "limitless.lifelogs", "/v1/lifelogs?"+q.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Data struct {
			Lifelogs []LifelogEntry `json:"lifelogs"`
		} `json:"data"`
		Meta struct {
			Lifelogs struct {
				NextCursor string `json:"nextCursor"`
			} `json:"lifelogs"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &transport.Error{Kind: transport.KindPermanent, Op: "limitless.lifelogs", Err: err}
	}
	s.buf = envelope.Data.Lifelogs
	s.idx = 0
	s.cursor = envelope.Meta.Lifelogs.NextCursor
	if s.cursor == "" || len(s.buf) == 0 {
		s.done = true
	}
	return nil
}

// GetByID fetches one lifelog. The second return is false when the
// record does not exist.
func (c *Client) GetByID(ctx context.Context, lifelogID string) (LifelogEntry, bool, error) {
	q := url.Values{}
	q.Set("includeMarkdown", "true")
	q.Set("includeHeadings", "true")
	q.Set("includeContents", "true")
	if c.timezone != "" {
		q.Set("timezone", c.timezone)
	}
	resp, err := c.get(ctx, "limitless.lifelog", "/v1/lifelogs/"+url.PathEscape(lifelogID)+"?"+q.Encode())
	if err != nil {
		var te *transport.Error
		if errors.As(err, &te) && te.Status == http.StatusNotFound {
			return LifelogEntry{}, false, nil
		}
		return LifelogEntry{}, false, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Data struct {
			Lifelog LifelogEntry `json:"lifelog"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return LifelogEntry{}, false, &transport.Error{Kind: transport.KindPermanent, Op: "limitless.lifelog", Err: err}
	}
	return envelope.Data.Lifelog, true, nil
}

// Ping fetches a single-entry page to verify credentials and
// reachability.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, "limitless.ping", "/v1/lifelogs?limit=1")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) get(ctx context.Context, op, path string) (*http.Response, error) {
	return c.call.Do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}
