package notify

import (
	"fmt"
	"strings"
	"time"

	"lifelog_sync/ledger"
)

// ErrorAlert builds the subject and body for a delivery failure alert.
func ErrorAlert(syncID, lifelogID, errType, message string) (string, string) {
	subject := fmt.Sprintf("Lifelog sync error: %s", errType)
	var b strings.Builder
	fmt.Fprintf(&b, "A lifelog failed to sync.\n\n")
	fmt.Fprintf(&b, "Sync:    %s\n", syncID)
	if lifelogID != "" {
		fmt.Fprintf(&b, "Lifelog: %s\n", lifelogID)
	}
	fmt.Fprintf(&b, "Type:    %s\n", errType)
	fmt.Fprintf(&b, "Error:   %s\n", message)
	fmt.Fprintf(&b, "Time:    %s\n", time.Now().UTC().Format(time.RFC3339))
	return subject, b.String()
}

// CycleSummary builds a post-cycle report. Used for cycles that did
// real work; quiet cycles skip notification.
func CycleSummary(syncID string, fetched, delivered, failed, skipped int) (string, string) {
	subject := fmt.Sprintf("Lifelog sync: %d delivered, %d failed", delivered, failed)
	var b strings.Builder
	fmt.Fprintf(&b, "Sync cycle %s finished.\n\n", syncID)
	fmt.Fprintf(&b, "Fetched:   %d\n", fetched)
	fmt.Fprintf(&b, "Delivered: %d\n", delivered)
	fmt.Fprintf(&b, "Failed:    %d\n", failed)
	fmt.Fprintf(&b, "Skipped:   %d\n", skipped)
	return subject, b.String()
}

// DailySummary builds the daily digest from ledger stats and recent
// errors.
func DailySummary(stats ledger.Stats, recent []ledger.SyncError) (string, string) {
	subject := fmt.Sprintf("Lifelog sync daily summary: %d total synced", stats.TotalSynced)
	var b strings.Builder
	fmt.Fprintf(&b, "Daily lifelog sync summary.\n\n")
	fmt.Fprintf(&b, "Total synced:  %d\n", stats.TotalSynced)
	fmt.Fprintf(&b, "Delivered:     %d\n", stats.Delivered)
	fmt.Fprintf(&b, "Failed:        %d\n", stats.Failed)
	fmt.Fprintf(&b, "Pending:       %d\n", stats.Pending)
	fmt.Fprintf(&b, "Errors (24h):  %d\n", stats.Errors24h)
	fmt.Fprintf(&b, "Last sync:     %s\n", stats.LastSyncTime.Format(time.RFC3339))

	if len(recent) > 0 {
		fmt.Fprintf(&b, "\nRecent errors:\n")
		for _, e := range recent {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Type, e.LifelogID, e.Message)
		}
	}
	return subject, b.String()
}
