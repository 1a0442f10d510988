package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Delivery status values for synced_lifelogs rows. Pending rows are
// picked up again on the next cycle; delivered and failed are terminal.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Store wraps SQLite access for the sync ledger: the watermark, the
// per-lifelog delivery record, and cycle history.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	// Pragmas ride on the DSN so every pooled connection applies them,
	// not only the one that runs the migration.
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_sync_time TIMESTAMP,
			total_synced INTEGER DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS synced_lifelogs (
			lifelog_id TEXT PRIMARY KEY,
			memory_box_id INTEGER,
			synced_at TIMESTAMP,
			title TEXT,
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			processing_status TEXT,
			retry_count INTEGER DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sync_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sync_id TEXT,
			lifelog_id TEXT,
			error_type TEXT,
			error_message TEXT,
			occurred_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sync_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sync_id TEXT,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			entries_fetched INTEGER DEFAULT 0,
			entries_synced INTEGER DEFAULT 0,
			entries_failed INTEGER DEFAULT 0,
			entries_skipped INTEGER DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifelogs_status ON synced_lifelogs(processing_status);`,
		`CREATE INDEX IF NOT EXISTS idx_lifelogs_start ON synced_lifelogs(start_time);`,
		`CREATE INDEX IF NOT EXISTS idx_errors_occurred ON sync_errors(occurred_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	// A fresh ledger starts its watermark at now, so the first cycle
	// does not replay the account's entire history.
	_, err := s.db.Exec(`INSERT INTO sync_state(id, last_sync_time, total_synced) VALUES(1, ?, 0)
		ON CONFLICT(id) DO NOTHING`, time.Now().UTC())
	return err
}

// Entry is one lifelog's delivery record.
type Entry struct {
	LifelogID   string     `json:"lifelog_id"`
	MemoryBoxID int64      `json:"memory_box_id"`
	SyncedAt    *time.Time `json:"synced_at"`
	Title       string     `json:"title"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	Status      string     `json:"processing_status"`
	Attempts    int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SyncError is one recorded delivery failure.
type SyncError struct {
	ID         int64     `json:"id"`
	SyncID     string    `json:"sync_id"`
	LifelogID  string    `json:"lifelog_id"`
	Type       string    `json:"error_type"`
	Message    string    `json:"error_message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Stats summarizes the ledger for health and notification surfaces.
type Stats struct {
	TotalSynced  int64     `json:"total_synced"`
	Delivered    int64     `json:"delivered"`
	Failed       int64     `json:"failed"`
	Pending      int64     `json:"pending"`
	LastSyncTime time.Time `json:"last_sync_time"`
	Errors24h    int64     `json:"errors_24h"`
}

// IsKnown reports whether a lifelog has already reached a terminal
// state. Pending rows are not known; they get another attempt.
func (s *Store) IsKnown(ctx context.Context, lifelogID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM synced_lifelogs WHERE lifelog_id=? AND processing_status IN (?, ?)`,
		lifelogID, StatusDelivered, StatusFailed)
	var v int
	switch err := row.Scan(&v); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}

// RecordAttempt upserts a pending row for a delivery attempt and
// returns the attempt count so far, first attempt included.
func (s *Store) RecordAttempt(ctx context.Context, lifelogID, title string, start, end time.Time) (int, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO synced_lifelogs(lifelog_id, title, start_time, end_time, processing_status, retry_count, created_at)
		VALUES(?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(lifelog_id) DO UPDATE SET
			title=excluded.title,
			start_time=excluded.start_time,
			end_time=excluded.end_time,
			processing_status=excluded.processing_status,
			retry_count=retry_count+1`,
		lifelogID, title, start.UTC(), end.UTC(), StatusPending, now)
	if err != nil {
		return 0, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT retry_count FROM synced_lifelogs WHERE lifelog_id=?`, lifelogID)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, nil
}

func (s *Store) MarkDelivered(ctx context.Context, lifelogID string, memoryID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE synced_lifelogs SET processing_status=?, memory_box_id=?, synced_at=?, last_error=NULL WHERE lifelog_id=?`,
		StatusDelivered, memoryID, time.Now().UTC(), lifelogID)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, lifelogID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE synced_lifelogs SET processing_status=?, last_error=? WHERE lifelog_id=?`,
		StatusFailed, reason, lifelogID)
	return err
}

// RecordError stores a pending row's failure reason without changing
// its status.
func (s *Store) RecordError(ctx context.Context, lifelogID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE synced_lifelogs SET last_error=? WHERE lifelog_id=?`, reason, lifelogID)
	return err
}

// Lookup returns a lifelog's delivery record, or nil when none exists.
func (s *Store) Lookup(ctx context.Context, lifelogID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT lifelog_id, memory_box_id, synced_at, title, start_time, end_time, processing_status, retry_count, last_error, created_at
		FROM synced_lifelogs WHERE lifelog_id=?`, lifelogID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var memoryID sql.NullInt64
	var syncedAt sql.NullTime
	var lastError sql.NullString
	if err := row.Scan(&e.LifelogID, &memoryID, &syncedAt, &e.Title, &e.StartTime, &e.EndTime, &e.Status, &e.Attempts, &lastError, &e.CreatedAt); err != nil {
		return nil, err
	}
	if memoryID.Valid {
		e.MemoryBoxID = memoryID.Int64
	}
	if syncedAt.Valid {
		e.SyncedAt = &syncedAt.Time
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	return &e, nil
}

// Watermark returns the last fully synced point in time.
func (s *Store) Watermark(ctx context.Context) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_sync_time FROM sync_state WHERE id=1`)
	var t time.Time
	if err := row.Scan(&t); err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// AdvanceWatermark moves the watermark forward and adds delivered to
// the lifetime total. The watermark never moves backwards.
func (s *Store) AdvanceWatermark(ctx context.Context, to time.Time, delivered int) error {
	current, err := s.Watermark(ctx)
	if err != nil {
		return err
	}
	if to.After(current) {
		_, err = s.db.ExecContext(ctx,
			`UPDATE sync_state SET last_sync_time=?, total_synced=total_synced+? WHERE id=1`,
			to.UTC(), delivered)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE sync_state SET total_synced=total_synced+? WHERE id=1`, delivered)
	}
	return err
}

func (s *Store) LogError(ctx context.Context, syncID, lifelogID, errType, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_errors(sync_id, lifelog_id, error_type, error_message, occurred_at) VALUES(?,?,?,?,?)`,
		syncID, lifelogID, errType, message, time.Now().UTC())
	return err
}

func (s *Store) StartCycle(ctx context.Context, syncID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_metrics(sync_id, started_at) VALUES(?,?)`, syncID, startedAt.UTC())
	return err
}

func (s *Store) CompleteCycle(ctx context.Context, syncID string, fetched, synced, failed, skipped int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_metrics SET completed_at=?, entries_fetched=?, entries_synced=?, entries_failed=?, entries_skipped=?
		WHERE sync_id=?`,
		time.Now().UTC(), fetched, synced, failed, skipped, syncID)
	return err
}

// FailedEntries lists terminally failed lifelogs, oldest first, for
// backfill.
func (s *Store) FailedEntries(ctx context.Context, limit int) ([]Entry, error) {
	return s.listByStatus(ctx, StatusFailed, limit)
}

// PendingEntries lists lifelogs still awaiting a successful delivery.
func (s *Store) PendingEntries(ctx context.Context, limit int) ([]Entry, error) {
	return s.listByStatus(ctx, StatusPending, limit)
}

func (s *Store) listByStatus(ctx context.Context, status string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lifelog_id, memory_box_id, synced_at, title, start_time, end_time, processing_status, retry_count, last_error, created_at
		FROM synced_lifelogs WHERE processing_status=? ORDER BY start_time ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *Store) RecentErrors(ctx context.Context, limit int) ([]SyncError, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, sync_id, lifelog_id, error_type, error_message, occurred_at
		FROM sync_errors ORDER BY occurred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var errs []SyncError
	for rows.Next() {
		var e SyncError
		if err := rows.Scan(&e.ID, &e.SyncID, &e.LifelogID, &e.Type, &e.Message, &e.OccurredAt); err != nil {
			return nil, err
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `SELECT last_sync_time, total_synced FROM sync_state WHERE id=1`)
	if err := row.Scan(&st.LastSyncTime, &st.TotalSynced); err != nil {
		return Stats{}, err
	}
	st.LastSyncTime = st.LastSyncTime.UTC()

	rows, err := s.db.QueryContext(ctx, `SELECT processing_status, COUNT(*) FROM synced_lifelogs GROUP BY processing_status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusDelivered:
			st.Delivered = n
		case StatusFailed:
			st.Failed = n
		case StatusPending:
			st.Pending = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_errors WHERE occurred_at > ?`, cutoff)
	if err := row.Scan(&st.Errors24h); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// CleanupOldData drops error and cycle history older than the retention
// window and compacts the file.
func (s *Store) CleanupOldData(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_errors WHERE occurred_at < ?`, cutoff); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_metrics WHERE started_at < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

// Health returns err if the DB is not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("ledger health: %w", err)
	}
	return nil
}
