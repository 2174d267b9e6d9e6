// Package delivery runs the outbound engine: a durable job queue in
// SQLite drained by a bounded worker pool, with strict serialization per
// (tenant, partner, idempotency key).
package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Job statuses. pending jobs with next_eligible_at in the past are
// dequeued; in_flight marks a worker holding the job; delivered and
// failed are terminal for the attempt chain; dead means retries were
// exhausted.
const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusDead      = "dead"
)

// Job is one queued delivery. Payload is frozen at enqueue time; replays
// copy it verbatim.
type Job struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Partner        string    `json:"partner"`
	Kind           string    `json:"kind"`
	IdempotencyKey string    `json:"idempotency_key"`
	Payload        []byte    `json:"payload"`
	Attempts       int       `json:"attempts"`
	Status         string    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
	ExternalID     string    `json:"external_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAttemptAt  time.Time `json:"last_attempt_at,omitempty"`
	NextEligibleAt time.Time `json:"next_eligible_at,omitempty"`
}

// ErrJobNotFound is returned by Get and Replay for an unknown job ID.
var ErrJobNotFound = errors.New("delivery: job not found")

// StoreStats summarizes the queue by status.
type StoreStats struct {
	Pending   int64 `json:"pending"`
	InFlight  int64 `json:"in_flight"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dead      int64 `json:"dead"`
}

const jobSchema = `
CREATE TABLE IF NOT EXISTS delivery_jobs (
	id               TEXT PRIMARY KEY,
	tenant           TEXT NOT NULL,
	partner          TEXT NOT NULL,
	kind             TEXT NOT NULL DEFAULT '',
	idempotency_key  TEXT NOT NULL,
	payload          BLOB NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'pending',
	last_error       TEXT NOT NULL DEFAULT '',
	external_id      TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	last_attempt_at  INTEGER NOT NULL DEFAULT 0,
	next_eligible_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_eligible ON delivery_jobs(status, next_eligible_at);
`

// Store is the SQLite-backed job queue.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("delivery: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("delivery: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(jobSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("delivery: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Enqueue persists a new pending job and returns it with its assigned ID.
func (s *Store) Enqueue(ctx context.Context, job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = StatusPending
	job.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_jobs
		 (id, tenant, partner, kind, idempotency_key, payload, attempts, status, created_at, next_eligible_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID, job.TenantID, job.Partner, job.Kind, job.IdempotencyKey, job.Payload,
		StatusPending, job.CreatedAt.Unix(), job.CreatedAt.Unix(),
	)
	if err != nil {
		return Job{}, fmt.Errorf("delivery: enqueue: %w", err)
	}
	return job, nil
}

const jobColumns = `id, tenant, partner, kind, idempotency_key, payload, attempts,
	status, last_error, external_id, created_at, last_attempt_at, next_eligible_at`

func scanJob(row interface{ Scan(...interface{}) error }) (Job, error) {
	var j Job
	var created, lastAttempt, nextEligible int64
	err := row.Scan(&j.ID, &j.TenantID, &j.Partner, &j.Kind, &j.IdempotencyKey, &j.Payload,
		&j.Attempts, &j.Status, &j.LastError, &j.ExternalID, &created, &lastAttempt, &nextEligible)
	if err != nil {
		return Job{}, err
	}
	j.CreatedAt = time.Unix(created, 0)
	if lastAttempt > 0 {
		j.LastAttemptAt = time.Unix(lastAttempt, 0)
	}
	if nextEligible > 0 {
		j.NextEligibleAt = time.Unix(nextEligible, 0)
	}
	return j, nil
}

// Get returns one job by ID.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM delivery_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("delivery: get %s: %w", id, err)
	}
	return j, nil
}

// DequeueEligible claims up to limit pending jobs whose next_eligible_at
// has passed, marking them in_flight.
func (s *Store) DequeueEligible(ctx context.Context, limit int) ([]Job, error) {
	now := time.Now().Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM delivery_jobs
		 WHERE status = ? AND next_eligible_at <= ?
		 ORDER BY next_eligible_at ASC LIMIT ?`,
		StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery: dequeue: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("delivery: dequeue scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery: dequeue rows: %w", err)
	}

	for i := range jobs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE delivery_jobs SET status = ? WHERE id = ? AND status = ?`,
			StatusInFlight, jobs[i].ID, StatusPending,
		); err != nil {
			return nil, fmt.Errorf("delivery: claim %s: %w", jobs[i].ID, err)
		}
		jobs[i].Status = StatusInFlight
	}
	return jobs, nil
}

// MarkDelivered finalizes a successful job.
func (s *Store) MarkDelivered(ctx context.Context, id, externalID string) error {
	return s.finish(ctx, id, StatusDelivered, "", externalID)
}

// MarkFailed finalizes a permanently failed job.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) error {
	return s.finish(ctx, id, StatusFailed, lastError, "")
}

// MarkDead finalizes a job whose retries were exhausted.
func (s *Store) MarkDead(ctx context.Context, id, lastError string) error {
	return s.finish(ctx, id, StatusDead, lastError, "")
}

func (s *Store) finish(ctx context.Context, id, status, lastError, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs
		 SET status = ?, last_error = ?, external_id = ?, attempts = attempts + 1, last_attempt_at = ?
		 WHERE id = ?`,
		status, lastError, externalID, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("delivery: finish %s: %w", id, err)
	}
	return nil
}

// Reschedule returns a transiently failed job to pending, eligible again
// at nextEligible.
func (s *Store) Reschedule(ctx context.Context, id, lastError string, nextEligible time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs
		 SET status = ?, last_error = ?, attempts = attempts + 1, last_attempt_at = ?, next_eligible_at = ?
		 WHERE id = ?`,
		StatusPending, lastError, time.Now().Unix(), nextEligible.Unix(), id)
	if err != nil {
		return fmt.Errorf("delivery: reschedule %s: %w", id, err)
	}
	return nil
}

// Requeue returns an in_flight job to pending without consuming an
// attempt. Used when a job loses the per-key serialization race.
func (s *Store) Requeue(ctx context.Context, id string, nextEligible time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs SET status = ?, next_eligible_at = ? WHERE id = ?`,
		StatusPending, nextEligible.Unix(), id)
	if err != nil {
		return fmt.Errorf("delivery: requeue %s: %w", id, err)
	}
	return nil
}

// ResetForReplay clones frozen payload state back to pending with a fresh
// attempt budget.
func (s *Store) ResetForReplay(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs
		 SET status = ?, attempts = 0, last_error = '', next_eligible_at = ?
		 WHERE id = ?`,
		StatusPending, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("delivery: replay reset %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Stats counts jobs by status.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM delivery_jobs GROUP BY status`)
	if err != nil {
		return StoreStats{}, fmt.Errorf("delivery: stats: %w", err)
	}
	defer rows.Close()

	var st StoreStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return StoreStats{}, fmt.Errorf("delivery: stats scan: %w", err)
		}
		switch status {
		case StatusPending:
			st.Pending = n
		case StatusInFlight:
			st.InFlight = n
		case StatusDelivered:
			st.Delivered = n
		case StatusFailed:
			st.Failed = n
		case StatusDead:
			st.Dead = n
		}
	}
	return st, rows.Err()
}
