package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable embedded store named in spec §4.3: a local
// store with write-ahead journaling, committing synchronously on
// high-priority inserts while batching low-priority (chunk) inserts.
// Grounded on the teacher's choice of mattn/go-sqlite3 as its embedded
// driver (pkg go.mod).
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	pending []Entry // buffered low-priority inserts awaiting flush

	flushInterval time.Duration
	batchSize     int

	stopCh chan struct{}
	doneCh chan struct{}
}

// OpenSQLiteStore opens (creating if absent) the queue database at path
// in WAL mode and ensures the schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline (spec §4.3)

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create schema: %w", err)
	}

	s := &SQLiteStore{
		db:            db,
		flushInterval: 200 * time.Millisecond,
		batchSize:     64,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS queue_entries (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	variant         TEXT NOT NULL,
	priority        INTEGER NOT NULL,
	payload         BLOB NOT NULL,
	enqueued_at     INTEGER NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	state           TEXT NOT NULL,
	size_bytes      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_claim ON queue_entries(state, next_attempt_at, priority);
CREATE INDEX IF NOT EXISTS idx_queue_variant ON queue_entries(variant, state);
`

func (s *SQLiteStore) Insert(ctx context.Context, e Entry, durable bool) (EntryID, error) {
	if e.State == "" {
		e.State = StatePending
	}
	if !durable {
		s.mu.Lock()
		s.pending = append(s.pending, e)
		n := len(s.pending)
		s.mu.Unlock()
		if n >= s.batchSize {
			s.flush(ctx)
		}
		return 0, nil // backend-assigned ID not known synchronously for batched writes
	}

	res, err := s.db.ExecContext(ctx, insertSQL,
		string(e.Variant), int(e.Priority), e.Payload,
		e.EnqueuedAt.UnixMicro(), e.RetryCount, e.NextAttemptAt.UnixMicro(),
		string(e.State), e.SizeBytes())
	if err != nil {
		return 0, fmt.Errorf("queue: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return EntryID(id), nil
}

const insertSQL = `INSERT INTO queue_entries
	(variant, priority, payload, enqueued_at, retry_count, next_attempt_at, state, size_bytes)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// flushLoop periodically commits the buffered low-priority inserts in a
// single transaction (spec §4.3: "low-priority (chunk) enqueues may
// batch"), grounded on the teacher's flush-ticker idiom
// (services/crypto-stream/main.go's result-batching goroutine).
func (s *SQLiteStore) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(context.Background())
		}
	}
}

func (s *SQLiteStore) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return
	}
	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx,
			string(e.Variant), int(e.Priority), e.Payload,
			e.EnqueuedAt.UnixMicro(), e.RetryCount, e.NextAttemptAt.UnixMicro(),
			string(e.State), e.SizeBytes()); err != nil {
			tx.Rollback()
			return
		}
	}
	stmt.Close()
	_ = tx.Commit()
}

func (s *SQLiteStore) CountPending(ctx context.Context, v Variant) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE variant = ? AND state = ?`,
		string(v), string(StatePending)).Scan(&n)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for _, e := range s.pending {
		if e.Variant == v {
			n++
		}
	}
	s.mu.Unlock()
	return n, nil
}

func (s *SQLiteStore) OldestPending(ctx context.Context, v Variant) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, variant, priority, payload, enqueued_at, retry_count, next_attempt_at, state
		FROM queue_entries WHERE variant = ? AND state = ? ORDER BY enqueued_at ASC LIMIT 1`,
		string(v), string(StatePending))
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id EntryID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, int64(id))
	return err
}

func (s *SQLiteStore) ClaimEligible(ctx context.Context, now time.Time, variants []Variant, maxPayloadBytes int) (Entry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, false, err
	}
	defer tx.Rollback()

	query := `SELECT id, variant, priority, payload, enqueued_at, retry_count, next_attempt_at, state
		FROM queue_entries WHERE state = ? AND next_attempt_at <= ?`
	args := []any{string(StatePending), now.UnixMicro()}

	if len(variants) > 0 {
		query += " AND variant IN (" + placeholders(len(variants)) + ")"
		for _, v := range variants {
			args = append(args, string(v))
		}
	}
	if maxPayloadBytes > 0 {
		query += " AND size_bytes <= ?"
		args = append(args, maxPayloadBytes)
	}
	query += " ORDER BY priority DESC, enqueued_at ASC LIMIT 1"

	row := tx.QueryRowContext(ctx, query, args...)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE queue_entries SET state = ? WHERE id = ? AND state = ?`,
		string(StateInFlight), int64(e.ID), string(StatePending))
	if err != nil {
		return Entry{}, false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race (single-writer means this should not happen in
		// practice, but stay defensive).
		return Entry{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, false, err
	}
	e.State = StateInFlight
	return e, true, nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func scanEntry(row *sql.Row) (Entry, error) {
	var e Entry
	var variant, state string
	var priority int
	var enqueuedAt, nextAttemptAt int64
	if err := row.Scan(&e.ID, &variant, &priority, &e.Payload, &enqueuedAt, &e.RetryCount, &nextAttemptAt, &state); err != nil {
		return Entry{}, err
	}
	e.Variant = Variant(variant)
	e.Priority = Priority(priority)
	e.EnqueuedAt = time.UnixMicro(enqueuedAt).UTC()
	e.NextAttemptAt = time.UnixMicro(nextAttemptAt).UTC()
	e.State = State(state)
	return e, nil
}

func (s *SQLiteStore) MarkSent(ctx context.Context, id EntryID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue_entries SET state = ? WHERE id = ?`, string(StateSent), int64(id))
	return err
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id EntryID, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET state = ?, retry_count = retry_count + 1, next_attempt_at = ? WHERE id = ?`,
		string(StatePending), nextAttemptAt.UnixMicro(), int64(id))
	return err
}

func (s *SQLiteStore) ExpireSweep(ctx context.Context, v Variant, olderThan time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, variant, priority, payload, enqueued_at, retry_count, next_attempt_at, state
		 FROM queue_entries WHERE variant = ? AND state = ? AND enqueued_at < ?`,
		string(v), string(StatePending), olderThan.UnixMicro())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []EntryID
	var dropped []Entry
	for rows.Next() {
		var e Entry
		var variant, state string
		var priority int
		var enqueuedAt, nextAttemptAt int64
		if err := rows.Scan(&e.ID, &variant, &priority, &e.Payload, &enqueuedAt, &e.RetryCount, &nextAttemptAt, &state); err != nil {
			return nil, err
		}
		e.Variant = Variant(variant)
		e.Priority = Priority(priority)
		e.EnqueuedAt = time.UnixMicro(enqueuedAt).UTC()
		e.NextAttemptAt = time.UnixMicro(nextAttemptAt).UTC()
		e.State = StateFailed
		dropped = append(dropped, e)
		ids = append(ids, e.ID)
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE queue_entries SET state = ? WHERE id = ?`, string(StateFailed), int64(id)); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// DB exposes the underlying handle so SQLiteDLQ can share the same
// connection and file rather than opening a second one.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return s.db.Close()
}
