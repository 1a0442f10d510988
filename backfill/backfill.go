package backfill

import (
	"context"
	"log"
	"sort"

	"lifelog_sync/ledger"
	"lifelog_sync/limitless"
)

// Summary captures one backfill run's outcome.
type Summary struct {
	Candidates   int `json:"candidates"`
	Selected     int `json:"selected"`
	Missing      int `json:"missing"`
	Delivered    int `json:"delivered"`
	StillFailing int `json:"still_failing"`
}

// Repository lists failed ledger rows eligible for another attempt.
type Repository interface {
	FailedEntries(ctx context.Context, limit int) ([]ledger.Entry, error)
}

// Fetcher refetches a lifelog by id from the source.
type Fetcher interface {
	GetByID(ctx context.Context, lifelogID string) (limitless.LifelogEntry, bool, error)
}

// Deliverer pushes one lifelog through the delivery pipeline and
// returns its settled ledger status.
type Deliverer interface {
	Deliver(ctx context.Context, e limitless.LifelogEntry) (string, error)
}

// Select filters failed rows down to those still within the attempt
// budget, oldest first, capped at limit.
func Select(entries []ledger.Entry, maxAttempts, limit int) ([]ledger.Entry, Summary) {
	summary := Summary{Candidates: len(entries)}

	eligible := make([]ledger.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Attempts >= maxAttempts {
			continue
		}
		eligible = append(eligible, e)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].StartTime.Before(eligible[j].StartTime)
	})
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	summary.Selected = len(eligible)
	return eligible, summary
}

// Runner redelivers failed lifelogs: each selected row is refetched
// from the source and pushed through the pipeline again.
type Runner struct {
	Repo        Repository
	Fetcher     Fetcher
	Deliverer   Deliverer
	Limit       int
	MaxAttempts int
}

// Run executes one backfill pass synchronously.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	failed, err := r.Repo.FailedEntries(ctx, r.Limit)
	if err != nil {
		return Summary{}, err
	}
	selected, summary := Select(failed, r.MaxAttempts, r.Limit)

	for _, row := range selected {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		entry, found, err := r.Fetcher.GetByID(ctx, row.LifelogID)
		if err != nil {
			log.Printf("backfill refetch lifelog=%s: %v", row.LifelogID, err)
			summary.StillFailing++
			continue
		}
		if !found {
			log.Printf("backfill lifelog=%s no longer exists upstream", row.LifelogID)
			summary.Missing++
			continue
		}

		status, err := r.Deliverer.Deliver(ctx, entry)
		if status == ledger.StatusDelivered {
			summary.Delivered++
			continue
		}
		summary.StillFailing++
		if err != nil {
			log.Printf("backfill redeliver lifelog=%s status=%s: %v", row.LifelogID, status, err)
		}
	}

	log.Printf("backfill done candidates=%d selected=%d delivered=%d missing=%d still_failing=%d",
		summary.Candidates, summary.Selected, summary.Delivered, summary.Missing, summary.StillFailing)
	return summary, nil
}
