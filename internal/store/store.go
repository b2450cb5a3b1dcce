package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"wagateway/internal/errdefs"
)

// Status of a message log record.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRetrying Status = "retrying"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// ParseStatus accepts the empty string (no filter) or a known status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case "", StatusQueued, StatusRetrying, StatusSent, StatusFailed:
		return st, nil
	default:
		return "", errdefs.Validation("unknown status %q", s)
	}
}

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 200
)

// ErrNoTransition is returned when an update would move a record backwards,
// or the record does not exist.
var ErrNoTransition = errors.New("log record missing or already terminal")

// Record is one row of whatsapp_message_log.
type Record struct {
	ID         int64      `db:"id" json:"id"`
	Source     *string    `db:"source" json:"source,omitempty"`
	RequestID  *string    `db:"request_id" json:"request_id,omitempty"`
	ToNumber   string     `db:"to_number" json:"to_number"`
	JID        string     `db:"jid" json:"jid"`
	Text       string     `db:"message_text" json:"message_text"`
	Status     Status     `db:"status" json:"status"`
	Attempts   int        `db:"attempts" json:"attempts"`
	QueuedAt   time.Time  `db:"queued_at" json:"queued_at"`
	SentAt     *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	FailedAt   *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	LastError  *string    `db:"last_error" json:"last_error,omitempty"`
	QueueJobID *string    `db:"queue_job_id" json:"queue_job_id,omitempty"`
}

// NewRecord holds the fields written on enqueue.
type NewRecord struct {
	Source    string
	RequestID string
	ToNumber  string
	JID       string
	Text      string
	QueuedAt  time.Time
}

// Store persists message log records in Postgres or SQLite.
type Store struct {
	db *sqlx.DB
}

// Open picks the driver from the DSN: postgres:// URLs use lib/pq,
// anything else is handed to the sqlite driver.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" {
		// a single connection keeps :memory: databases and writers consistent
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(30 * time.Second)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errdefs.Persistence("ping database", err)
	}

	log.Info().Str("driver", driver).Msg("Database connection established")
	return &Store{db: db}, nil
}

// New wraps an already opened handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the log table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	var stmts []string
	if s.db.DriverName() == "postgres" {
		stmts = []string{postgresSchema, indexSchema}
	} else {
		stmts = []string{sqliteSchema, indexSchema}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errdefs.Persistence("migrate", err)
		}
	}
	return nil
}

// Insert creates a queued record and returns its id.
func (s *Store) Insert(ctx context.Context, r NewRecord) (int64, error) {
	q := s.db.Rebind(`
		INSERT INTO whatsapp_message_log
		(source, request_id, to_number, jid, message_text, status, attempts, queued_at)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, ?)
		RETURNING id`)

	var id int64
	err := s.db.QueryRowxContext(ctx, q,
		nullable(r.Source), nullable(r.RequestID), r.ToNumber, r.JID, r.Text, r.QueuedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, errdefs.Persistence("insert log record", err)
	}
	return id, nil
}

// SetJobID back-fills the queue job id after a successful enqueue.
func (s *Store) SetJobID(ctx context.Context, id int64, jobID string) error {
	q := s.db.Rebind(`UPDATE whatsapp_message_log SET queue_job_id = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, q, jobID, id); err != nil {
		return errdefs.Persistence("set job id", err)
	}
	return nil
}

// MarkSent records a successful attempt. Re-running it for the same attempt
// rewrites the same values.
func (s *Store) MarkSent(ctx context.Context, id int64, attempt int, at time.Time) error {
	q := s.db.Rebind(`
		UPDATE whatsapp_message_log
		SET status = 'sent',
		    attempts = CASE WHEN attempts > ? THEN attempts ELSE ? END,
		    sent_at = COALESCE(sent_at, ?),
		    last_error = NULL
		WHERE id = ? AND status IN ('queued', 'retrying', 'sent')`)
	return s.transition(ctx, "mark sent", q, attempt, attempt, at.UTC(), id)
}

// MarkRetrying records a failed attempt that will be retried.
func (s *Store) MarkRetrying(ctx context.Context, id int64, attempt int, lastErr string) error {
	q := s.db.Rebind(`
		UPDATE whatsapp_message_log
		SET status = 'retrying',
		    attempts = CASE WHEN attempts > ? THEN attempts ELSE ? END,
		    last_error = ?
		WHERE id = ? AND status IN ('queued', 'retrying')`)
	return s.transition(ctx, "mark retrying", q, attempt, attempt, lastErr, id)
}

// MarkFailed records the terminal failure. failed_at is only set once.
func (s *Store) MarkFailed(ctx context.Context, id int64, attempt int, lastErr string, at time.Time) error {
	q := s.db.Rebind(`
		UPDATE whatsapp_message_log
		SET status = 'failed',
		    attempts = CASE WHEN attempts > ? THEN attempts ELSE ? END,
		    failed_at = COALESCE(failed_at, ?),
		    last_error = ?
		WHERE id = ? AND status IN ('queued', 'retrying', 'failed')`)
	return s.transition(ctx, "mark failed", q, attempt, attempt, at.UTC(), lastErr, id)
}

func (s *Store) transition(ctx context.Context, op, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return errdefs.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errdefs.Persistence(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNoTransition)
	}
	return nil
}

const recordColumns = `id, source, request_id, to_number, jid, message_text, status, attempts,
	queued_at, sent_at, failed_at, last_error, queue_job_id`

// Get loads one record.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	var r Record
	q := s.db.Rebind(`SELECT ` + recordColumns + ` FROM whatsapp_message_log WHERE id = ?`)
	if err := s.db.GetContext(ctx, &r, q, id); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("log record %d: %w", id, errdefs.ErrNotFound)
		}
		return nil, errdefs.Persistence("get log record", err)
	}
	return &r, nil
}

// Query returns the newest records, optionally filtered by status.
func (s *Store) Query(ctx context.Context, status Status, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	var (
		q    string
		args []any
	)
	if status != "" {
		q = `SELECT ` + recordColumns + ` FROM whatsapp_message_log WHERE status = ? ORDER BY id DESC LIMIT ?`
		args = []any{string(status), limit}
	} else {
		q = `SELECT ` + recordColumns + ` FROM whatsapp_message_log ORDER BY id DESC LIMIT ?`
		args = []any{limit}
	}

	out := []Record{}
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, errdefs.Persistence("query log records", err)
	}
	return out, nil
}

// Orphans lists queued records that never got a job id and are older than
// the cutoff, oldest first.
func (s *Store) Orphans(ctx context.Context, before time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	q := s.db.Rebind(`SELECT ` + recordColumns + ` FROM whatsapp_message_log
		WHERE status = 'queued' AND queue_job_id IS NULL AND queued_at < ?
		ORDER BY id ASC LIMIT ?`)

	out := []Record{}
	if err := s.db.SelectContext(ctx, &out, q, before.UTC(), limit); err != nil {
		return nil, errdefs.Persistence("query orphan records", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
