package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lifelog_sync/content"
	"lifelog_sync/ledger"
	"lifelog_sync/limitless"
	"lifelog_sync/memorybox"
	"lifelog_sync/metrics"
	"lifelog_sync/queue"
	"lifelog_sync/transport"
)

// ErrCycleRunning is returned when a cycle is requested while another
// is still in flight.
var ErrCycleRunning = errors.New("sync cycle already running")

const (
	defaultMaxAttempts = 3

	enqueueWindow   = 30 * time.Second
	enqueueInterval = 250 * time.Millisecond
)

// RecordStream yields lifelog entries in ascending start-time order.
type RecordStream interface {
	Next(ctx context.Context) (limitless.LifelogEntry, bool, error)
}

// Source provides lifelog entries to sync.
type Source interface {
	FetchSince(since time.Time) RecordStream
}

// Destination accepts prepared memories.
type Destination interface {
	EnsureBucket(ctx context.Context) error
	Submit(ctx context.Context, markdown string, ref memorybox.Reference) (int64, error)
	AwaitProcessed(ctx context.Context, memoryID int64) error
}

// Ledger persists per-lifelog delivery state and the sync watermark.
type Ledger interface {
	IsKnown(ctx context.Context, lifelogID string) (bool, error)
	RecordAttempt(ctx context.Context, lifelogID, title string, start, end time.Time) (int, error)
	MarkDelivered(ctx context.Context, lifelogID string, memoryID int64) error
	MarkFailed(ctx context.Context, lifelogID, reason string) error
	RecordError(ctx context.Context, lifelogID, reason string) error
	Watermark(ctx context.Context) (time.Time, error)
	AdvanceWatermark(ctx context.Context, to time.Time, delivered int) error
	LogError(ctx context.Context, syncID, lifelogID, errType, message string) error
	StartCycle(ctx context.Context, syncID string, startedAt time.Time) error
	CompleteCycle(ctx context.Context, syncID string, fetched, synced, failed, skipped int) error
}

// Agent runs sync cycles: fetch new lifelogs past the watermark,
// deliver each through the worker pool, then advance the watermark over
// the contiguous settled prefix.
type Agent struct {
	source  Source
	dest    Destination
	ledger  Ledger
	queue   *queue.Queue
	metrics *metrics.Metrics

	maxAttempts int
	running     int32
}

// Options configures an Agent.
type Options struct {
	Source      Source
	Destination Destination
	Ledger      Ledger
	Queue       *queue.Queue
	Metrics     *metrics.Metrics
	MaxAttempts int
}

func New(opts Options) *Agent {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Agent{
		source:      opts.Source,
		dest:        opts.Destination,
		ledger:      opts.Ledger,
		queue:       opts.Queue,
		metrics:     m,
		maxAttempts: maxAttempts,
	}
}

// Summary reports one cycle's outcome.
type Summary struct {
	SyncID    string    `json:"sync_id"`
	Fetched   int       `json:"fetched"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Watermark time.Time `json:"watermark"`
}

// Running reports whether a cycle is currently in flight.
func (a *Agent) Running() bool {
	return atomic.LoadInt32(&a.running) == 1
}

// outcome is one entry's settled state at the end of a cycle. Status
// values are the ledger's, plus "skipped" for already-known entries.
type outcome struct {
	entry  limitless.LifelogEntry
	status string
}

const statusSkipped = "skipped"

func terminal(status string) bool {
	return status != ledger.StatusPending
}

// RunCycle executes one sync pass. At most one cycle runs at a time;
// overlapping calls get ErrCycleRunning.
func (a *Agent) RunCycle(ctx context.Context) (Summary, error) {
	if !atomic.CompareAndSwapInt32(&a.running, 0, 1) {
		return Summary{}, ErrCycleRunning
	}
	defer atomic.StoreInt32(&a.running, 0)

	syncID := uuid.NewString()[:8]
	started := time.Now().UTC()

	wm, err := a.ledger.Watermark(ctx)
	if err != nil {
		return Summary{SyncID: syncID}, fmt.Errorf("load watermark: %w", err)
	}
	if err := a.ledger.StartCycle(ctx, syncID, started); err != nil {
		return Summary{SyncID: syncID}, fmt.Errorf("start cycle: %w", err)
	}
	log.Printf("sync=%s cycle start watermark=%s", syncID, wm.Format(time.RFC3339))

	if err := a.dest.EnsureBucket(ctx); err != nil {
		a.ledger.LogError(ctx, syncID, "", errType(err), err.Error())
		a.ledger.CompleteCycle(ctx, syncID, 0, 0, 0, 0)
		return Summary{SyncID: syncID, Watermark: wm}, fmt.Errorf("ensure bucket: %w", err)
	}

	var (
		mu       sync.Mutex
		outcomes []outcome
		wg       sync.WaitGroup
		fetched  int
		skipped  int
	)
	record := func(e limitless.LifelogEntry, status string) {
		mu.Lock()
		outcomes = append(outcomes, outcome{entry: e, status: status})
		mu.Unlock()
	}

	stream := a.source.FetchSince(wm)
	var fetchErr error
	for {
		e, ok, err := stream.Next(ctx)
		if err != nil {
			fetchErr = err
			break
		}
		if !ok {
			break
		}
		fetched++

		known, err := a.ledger.IsKnown(ctx, e.ID)
		if err != nil {
			fetchErr = fmt.Errorf("dedup check %s: %w", e.ID, err)
			break
		}
		if known {
			skipped++
			record(e, statusSkipped)
			continue
		}

		entry := e
		wg.Add(1)
		// The outcome is recorded in OnFinish, which runs even when
		// Work panics or the pool drains on shutdown. A delivery that
		// never settled stays pending and keeps pinning the watermark.
		status := ledger.StatusPending
		job := queue.Job{
			ID:   entry.ID,
			Kind: "deliver",
			Work: func(jobCtx context.Context) error {
				s, err := a.deliver(jobCtx, syncID, entry)
				status = s
				return err
			},
			OnFinish: func(error) {
				record(entry, status)
				wg.Done()
			},
		}
		enqueued, dropped := a.queue.EnqueueWithRetry(ctx, job, enqueueWindow, enqueueInterval)
		if !enqueued {
			wg.Done()
			record(entry, ledger.StatusPending)
			if dropped {
				log.Printf("sync=%s queue full, deferring lifelog=%s", syncID, entry.ID)
			}
			if ctx.Err() != nil {
				fetchErr = ctx.Err()
				break
			}
		}
	}
	wg.Wait()

	summary := a.finalize(ctx, syncID, wm, fetched, skipped, outcomes)
	if fetchErr != nil {
		a.ledger.LogError(ctx, syncID, "", errType(fetchErr), fetchErr.Error())
		return summary, fmt.Errorf("fetch lifelogs: %w", fetchErr)
	}
	return summary, nil
}

// finalize settles the watermark and cycle bookkeeping. The watermark
// only advances over the contiguous settled prefix in start-time order,
// so a pending entry pins it until that entry resolves.
func (a *Agent) finalize(ctx context.Context, syncID string, wm time.Time, fetched, skipped int, outcomes []outcome) Summary {
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].entry.StartTime.Before(outcomes[j].entry.StartTime)
	})

	delivered, failed := 0, 0
	for _, o := range outcomes {
		switch o.status {
		case ledger.StatusDelivered:
			delivered++
		case ledger.StatusFailed:
			failed++
		}
	}

	next := wm
	for _, o := range outcomes {
		if !terminal(o.status) {
			break
		}
		if o.entry.EndTime.After(next) {
			next = o.entry.EndTime
		}
	}

	if next.After(wm) || delivered > 0 {
		if err := a.ledger.AdvanceWatermark(ctx, next, delivered); err != nil {
			log.Printf("sync=%s advance watermark failed: %v", syncID, err)
		}
	}
	if err := a.ledger.CompleteCycle(ctx, syncID, fetched, delivered, failed, skipped); err != nil {
		log.Printf("sync=%s complete cycle failed: %v", syncID, err)
	}
	a.metrics.RecordCycle(time.Now().Unix(), delivered, failed, skipped)
	log.Printf("sync=%s cycle done fetched=%d delivered=%d failed=%d skipped=%d watermark=%s",
		syncID, fetched, delivered, failed, skipped, next.Format(time.RFC3339))

	return Summary{
		SyncID:    syncID,
		Fetched:   fetched,
		Delivered: delivered,
		Failed:    failed,
		Skipped:   skipped,
		Watermark: next,
	}
}

// Deliver pushes a single lifelog through the full pipeline outside a
// cycle, used by backfill. It returns the settled ledger status.
func (a *Agent) Deliver(ctx context.Context, e limitless.LifelogEntry) (string, error) {
	return a.deliver(ctx, uuid.NewString()[:8], e)
}

func (a *Agent) deliver(ctx context.Context, syncID string, e limitless.LifelogEntry) (string, error) {
	attempts, err := a.ledger.RecordAttempt(ctx, e.ID, e.Title, e.StartTime, e.EndTime)
	if err != nil {
		return ledger.StatusPending, fmt.Errorf("record attempt %s: %w", e.ID, err)
	}

	cls := content.Process(e)
	ref := memorybox.Reference{
		LifelogID: e.ID,
		Title:     e.Title,
		Category:  string(cls.Category),
		StartTime: e.StartTime,
		EndTime:   e.EndTime,
		IsStarred: e.IsStarred,
		Speakers:  cls.Speakers,
		Tags:      cls.Tags,
	}

	memoryID, err := a.dest.Submit(ctx, cls.Markdown, ref)
	if err != nil {
		return a.recordFailure(ctx, syncID, e, attempts, err), err
	}
	if err := a.dest.AwaitProcessed(ctx, memoryID); err != nil {
		return a.recordFailure(ctx, syncID, e, attempts, err), err
	}

	if err := a.ledger.MarkDelivered(ctx, e.ID, memoryID); err != nil {
		return ledger.StatusPending, fmt.Errorf("mark delivered %s: %w", e.ID, err)
	}
	log.Printf("sync=%s delivered lifelog=%s memory=%d category=%s", syncID, e.ID, memoryID, cls.Category)
	return ledger.StatusDelivered, nil
}

// recordFailure settles a failed attempt: retriable errors leave the
// row pending for the next cycle until the attempt budget runs out;
// everything else fails the row immediately.
func (a *Agent) recordFailure(ctx context.Context, syncID string, e limitless.LifelogEntry, attempts int, cause error) string {
	kind, classified := transport.KindOf(cause)
	a.ledger.LogError(ctx, syncID, e.ID, errType(cause), cause.Error())

	retriable := !classified ||
		kind == transport.KindTransient ||
		kind == transport.KindCircuitOpen ||
		kind == transport.KindPollExhausted
	if retriable && attempts < a.maxAttempts {
		a.ledger.RecordError(ctx, e.ID, cause.Error())
		return ledger.StatusPending
	}

	if err := a.ledger.MarkFailed(ctx, e.ID, cause.Error()); err != nil {
		log.Printf("sync=%s mark failed lifelog=%s: %v", syncID, e.ID, err)
	}
	return ledger.StatusFailed
}

func errType(err error) string {
	if kind, ok := transport.KindOf(err); ok {
		return kind.String()
	}
	return "internal"
}
