package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFreshWatermarkIsRecent(t *testing.T) {
	s := openTestStore(t)
	wm, err := s.Watermark(context.Background())
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if time.Since(wm) > time.Minute {
		t.Fatalf("fresh watermark = %v, want near now", wm)
	}
}

func TestAttemptLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 8, 5, 9, 0, 0, 0, time.UTC)

	known, err := s.IsKnown(ctx, "ll-1")
	if err != nil || known {
		t.Fatalf("IsKnown before attempt = %v, %v", known, err)
	}

	attempts, err := s.RecordAttempt(ctx, "ll-1", "Standup", start, start.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	// Pending rows must not dedupe; they get re-attempted.
	known, err = s.IsKnown(ctx, "ll-1")
	if err != nil || known {
		t.Fatalf("IsKnown while pending = %v, %v", known, err)
	}

	attempts, err = s.RecordAttempt(ctx, "ll-1", "Standup", start, start.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}

	if err := s.MarkDelivered(ctx, "ll-1", 4242); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	known, err = s.IsKnown(ctx, "ll-1")
	if err != nil || !known {
		t.Fatalf("IsKnown after delivery = %v, %v", known, err)
	}

	e, err := s.Lookup(ctx, "ll-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e == nil || e.MemoryBoxID != 4242 || e.Status != StatusDelivered || e.SyncedAt == nil {
		t.Fatalf("entry = %+v", e)
	}
}

func TestLookupMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	e, err := s.Lookup(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e != nil {
		t.Fatalf("entry = %+v, want nil", e)
	}
}

func TestMarkFailedIsTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.RecordAttempt(ctx, "ll-2", "Broken", now, now.Add(time.Minute)); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := s.MarkFailed(ctx, "ll-2", "processing failed"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	known, err := s.IsKnown(ctx, "ll-2")
	if err != nil || !known {
		t.Fatalf("IsKnown after failure = %v, %v", known, err)
	}
	failed, err := s.FailedEntries(ctx, 10)
	if err != nil {
		t.Fatalf("FailedEntries: %v", err)
	}
	if len(failed) != 1 || failed[0].LifelogID != "ll-2" || failed[0].LastError == nil {
		t.Fatalf("failed = %+v", failed)
	}

	// Backfill re-attempts reset the row to pending.
	if _, err := s.RecordAttempt(ctx, "ll-2", "Broken", now, now.Add(time.Minute)); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	known, err = s.IsKnown(ctx, "ll-2")
	if err != nil || known {
		t.Fatalf("IsKnown after re-attempt = %v, %v", known, err)
	}
}

func TestAdvanceWatermarkNeverMovesBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	forward := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := s.AdvanceWatermark(ctx, forward, 3); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}
	wm, err := s.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !wm.Equal(forward) {
		t.Fatalf("watermark = %v, want %v", wm, forward)
	}

	if err := s.AdvanceWatermark(ctx, forward.Add(-time.Hour), 2); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}
	wm, err = s.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !wm.Equal(forward) {
		t.Fatalf("watermark moved backwards to %v", wm)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalSynced != 5 {
		t.Fatalf("total synced = %d, want 5 (counted even without advance)", st.TotalSynced)
	}
}

func TestCycleMetricsAndErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.StartCycle(ctx, "abc12345", time.Now().UTC()); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	if err := s.CompleteCycle(ctx, "abc12345", 10, 7, 1, 2); err != nil {
		t.Fatalf("CompleteCycle: %v", err)
	}
	if err := s.LogError(ctx, "abc12345", "ll-3", "transient", "502 from upstream"); err != nil {
		t.Fatalf("LogError: %v", err)
	}

	errs, err := s.RecentErrors(ctx, 5)
	if err != nil {
		t.Fatalf("RecentErrors: %v", err)
	}
	if len(errs) != 1 || errs[0].SyncID != "abc12345" || errs[0].Type != "transient" {
		t.Fatalf("errors = %+v", errs)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Errors24h != 1 {
		t.Fatalf("errors 24h = %d, want 1", st.Errors24h)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		if _, err := s.RecordAttempt(ctx, id, "t", now.Add(time.Duration(i)*time.Minute), now.Add(time.Hour)); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
	if err := s.MarkDelivered(ctx, "a", 1); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := s.MarkFailed(ctx, "b", "nope"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Delivered != 1 || st.Failed != 1 || st.Pending != 1 {
		t.Fatalf("stats = %+v", st)
	}

	pending, err := s.PendingEntries(ctx, 10)
	if err != nil {
		t.Fatalf("PendingEntries: %v", err)
	}
	if len(pending) != 1 || pending[0].LifelogID != "c" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestCleanupOldData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.LogError(ctx, "old", "ll-1", "transient", "stale"); err != nil {
		t.Fatalf("LogError: %v", err)
	}
	// Age the row past the retention window.
	if _, err := s.db.Exec(`UPDATE sync_errors SET occurred_at=?`, time.Now().UTC().Add(-48*time.Hour)); err != nil {
		t.Fatalf("age rows: %v", err)
	}
	if err := s.CleanupOldData(ctx, 24*time.Hour); err != nil {
		t.Fatalf("CleanupOldData: %v", err)
	}
	errs, err := s.RecentErrors(ctx, 5)
	if err != nil {
		t.Fatalf("RecentErrors: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("errors = %+v, want none after cleanup", errs)
	}

	if err := s.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

// Worker-pool deliveries write to the ledger in parallel; SQLITE_BUSY
// must not leak out of any of them.
func TestConcurrentWritesDoNotFail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const workers = 8
	const perWorker = 8
	errs := make(chan error, workers*perWorker*2)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("ll-%d-%d", w, i)
				if _, err := s.RecordAttempt(ctx, id, "t", now, now.Add(time.Minute)); err != nil {
					errs <- err
					continue
				}
				if err := s.MarkDelivered(ctx, id, int64(w*perWorker+i+1)); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ledger write under concurrency: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Delivered != workers*perWorker {
		t.Fatalf("delivered = %d, want %d", st.Delivered, workers*perWorker)
	}
}
