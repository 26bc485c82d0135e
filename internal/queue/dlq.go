package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// DLQRecord is a terminally-failed entry retained for operator
// inspection, grounded on the teacher's pkg/queue/dlq.go record shape.
type DLQRecord struct {
	OriginalID EntryID
	Variant    Variant
	Payload    []byte
	Reason     string
	FailedAt   time.Time
	RetryCount int
}

// DLQ stores DLQRecords. Implementations: MemDLQ (tests) and SQLiteDLQ
// (cmd/edge, sharing the queue database).
type DLQ interface {
	Record(ctx context.Context, r DLQRecord) error
	List(ctx context.Context, limit int) ([]DLQRecord, error)
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

type MemDLQ struct {
	mu      sync.Mutex
	records []DLQRecord
}

func NewMemDLQ() *MemDLQ { return &MemDLQ{} }

func (d *MemDLQ) Record(ctx context.Context, r DLQRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, r)
	return nil
}

func (d *MemDLQ) List(ctx context.Context, limit int) ([]DLQRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.records) {
		limit = len(d.records)
	}
	out := make([]DLQRecord, limit)
	copy(out, d.records[len(d.records)-limit:])
	return out, nil
}

func (d *MemDLQ) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.records[:0]
	purged := 0
	for _, r := range d.records {
		if r.FailedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	d.records = kept
	return purged, nil
}

// SQLiteDLQ persists DLQRecords alongside the queue database.
type SQLiteDLQ struct {
	db *sql.DB
}

const dlqSchemaDDL = `
CREATE TABLE IF NOT EXISTS dlq_records (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	original_id     INTEGER NOT NULL,
	variant         TEXT NOT NULL,
	payload         BLOB NOT NULL,
	reason          TEXT NOT NULL,
	failed_at       INTEGER NOT NULL,
	retry_count     INTEGER NOT NULL
);
`

// NewSQLiteDLQ wraps the *sql.DB owned by a SQLiteStore so the DLQ
// shares a connection and file rather than opening a second handle.
func NewSQLiteDLQ(db *sql.DB) (*SQLiteDLQ, error) {
	if _, err := db.Exec(dlqSchemaDDL); err != nil {
		return nil, err
	}
	return &SQLiteDLQ{db: db}, nil
}

func (d *SQLiteDLQ) Record(ctx context.Context, r DLQRecord) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO dlq_records (original_id, variant, payload, reason, failed_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		int64(r.OriginalID), string(r.Variant), r.Payload, r.Reason, r.FailedAt.UnixMicro(), r.RetryCount)
	return err
}

func (d *SQLiteDLQ) List(ctx context.Context, limit int) ([]DLQRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT original_id, variant, payload, reason, failed_at, retry_count
		 FROM dlq_records ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DLQRecord
	for rows.Next() {
		var r DLQRecord
		var variant string
		var failedAt int64
		if err := rows.Scan(&r.OriginalID, &variant, &r.Payload, &r.Reason, &failedAt, &r.RetryCount); err != nil {
			return nil, err
		}
		r.Variant = Variant(variant)
		r.FailedAt = time.UnixMicro(failedAt).UTC()
		out = append(out, r)
	}
	return out, nil
}

func (d *SQLiteDLQ) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM dlq_records WHERE failed_at < ?`, olderThan.UnixMicro())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
