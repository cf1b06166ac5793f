// Package postgres provides Postgres-backed persistence: the durable target
// queue with single-claimer leases and the deduplicating lead store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// dbPool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// Store implements engine.Store on Postgres. Leasing uses
// FOR UPDATE SKIP LOCKED so concurrent workers never claim the same target.
type Store struct {
	pool dbPool
}

// New connects a Store to Postgres.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for tests).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			params JSONB NOT NULL,
			cancelled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS targets (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			source TEXT NOT NULL,
			domain TEXT NOT NULL,
			location TEXT NOT NULL,
			category TEXT NOT NULL,
			keyword TEXT NOT NULL DEFAULT '',
			priority INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			enqueued_at TIMESTAMPTZ NOT NULL,
			not_before TIMESTAMPTZ NOT NULL,
			lease_expiry TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS targets_lease_idx
			ON targets (status, not_before, priority DESC, enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS leads (
			canonical_key TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			fields JSONB NOT NULL,
			first_seen_at TIMESTAMPTZ NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const targetColumns = `id, job_id, source, location, category, keyword, priority,
	status, attempt_count, last_error, enqueued_at, not_before, lease_expiry`

// CreateJob inserts the job and all targets in one transaction.
func (s *Store) CreateJob(ctx context.Context, job engine.Job, targets []engine.Target) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal job params: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, params, created_at) VALUES ($1, $2, $3)`,
		job.ID, params, job.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for _, t := range targets {
		if _, err := tx.Exec(ctx,
			`INSERT INTO targets
				(id, job_id, source, domain, location, category, keyword,
				 priority, status, enqueued_at, not_before)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, t.JobID, t.Source, t.Domain(), t.Location, t.Category, t.Keyword,
			t.Priority, string(engine.TargetStatusQueued), t.EnqueuedAt, t.EnqueuedAt,
		); err != nil {
			return fmt.Errorf("insert target %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

// GetJob returns a job with counts aggregated from its targets and the
// status derived from them.
func (s *Store) GetJob(ctx context.Context, jobID string) (engine.Job, error) {
	var (
		job       engine.Job
		params    []byte
		cancelled bool
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, params, cancelled, created_at, completed_at FROM jobs WHERE id = $1`,
		jobID,
	).Scan(&job.ID, &params, &cancelled, &job.CreatedAt, &job.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Job{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Job{}, fmt.Errorf("get job: %w", err)
	}
	if err := json.Unmarshal(params, &job.Params); err != nil {
		return engine.Job{}, fmt.Errorf("unmarshal job params: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM targets WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return engine.Job{}, fmt.Errorf("count targets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return engine.Job{}, fmt.Errorf("scan target count: %w", err)
		}
		addCount(&job.Counts, engine.TargetStatus(status), n)
	}
	if err := rows.Err(); err != nil {
		return engine.Job{}, fmt.Errorf("iterate target counts: %w", err)
	}

	if cancelled {
		job.Status = engine.JobStatusCancelled
	} else {
		job.Status = engine.DeriveJobStatus(job.Counts)
	}
	return job, nil
}

func addCount(c *engine.TargetCounts, status engine.TargetStatus, n int) {
	switch status {
	case engine.TargetStatusQueued:
		c.Queued += n
	case engine.TargetStatusLeased:
		c.Leased += n
	case engine.TargetStatusRunning:
		c.Running += n
	case engine.TargetStatusSucceeded:
		c.Succeeded += n
	case engine.TargetStatusFailed:
		c.Failed += n
	case engine.TargetStatusBlocked:
		c.Blocked += n
	case engine.TargetStatusCancelled:
		c.Cancelled += n
	}
}

// ListTargets returns all targets of a job.
func (s *Store) ListTargets(ctx context.Context, jobID string) ([]engine.Target, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []engine.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

// CancelJob flags the job cancelled and cancels every non-terminal target,
// leased and running ones included. In-flight sessions still stop
// cooperatively; their late CompleteTarget is a no-op.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cancel job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `UPDATE jobs SET cancelled = TRUE WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`UPDATE targets SET status = $1, lease_expiry = NULL
		 WHERE job_id = $2 AND status IN ('queued', 'leased', 'running')`,
		string(engine.TargetStatusCancelled), jobID,
	); err != nil {
		return fmt.Errorf("cancel targets: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cancel job: %w", err)
	}
	return nil
}

// JobCancelled reports the job's cancellation flag.
func (s *Store) JobCancelled(ctx context.Context, jobID string) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx, `SELECT cancelled FROM jobs WHERE id = $1`, jobID).Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, engine.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("job cancelled: %w", err)
	}
	return cancelled, nil
}

// QueuedDepth counts queued targets across all jobs.
func (s *Store) QueuedDepth(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM targets WHERE status = $1`,
		string(engine.TargetStatusQueued),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queued depth: %w", err)
	}
	return n, nil
}

const leaseNextSQL = `
	WITH next AS (
		SELECT id FROM targets
		WHERE status = 'queued'
		  AND not_before <= $1
		  AND NOT (domain = ANY($2::text[]))
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE targets t
	SET status = 'leased', lease_expiry = $3
	FROM next
	WHERE t.id = next.id
	RETURNING t.id, t.job_id, t.source, t.location, t.category, t.keyword, t.priority,
		t.status, t.attempt_count, t.last_error, t.enqueued_at, t.not_before, t.lease_expiry`

// LeaseNext atomically claims the next eligible target for exactly one caller.
func (s *Store) LeaseNext(
	ctx context.Context,
	now time.Time,
	leaseFor time.Duration,
	skipDomains []string,
) (engine.Target, error) {
	if skipDomains == nil {
		skipDomains = []string{}
	}
	row := s.pool.QueryRow(ctx, leaseNextSQL, now, skipDomains, now.Add(leaseFor))
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Target{}, engine.ErrNoEligibleTarget
	}
	if err != nil {
		return engine.Target{}, fmt.Errorf("lease next: %w", err)
	}
	return t, nil
}

// MarkRunning moves a leased target to running and counts the attempt.
func (s *Store) MarkRunning(ctx context.Context, targetID string) (engine.Target, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE targets
		 SET status = $1, attempt_count = attempt_count + 1
		 WHERE id = $2 AND status = $3
		 RETURNING `+targetColumns,
		string(engine.TargetStatusRunning), targetID, string(engine.TargetStatusLeased),
	)
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Target{}, fmt.Errorf("target %s not leased: %w", targetID, engine.ErrNotFound)
	}
	if err != nil {
		return engine.Target{}, fmt.Errorf("mark running: %w", err)
	}
	return t, nil
}

// CompleteTarget finishes an in-flight target and stamps the owning job's
// completed_at once no non-terminal targets remain.
func (s *Store) CompleteTarget(
	ctx context.Context,
	targetID string,
	status engine.TargetStatus,
	lastError string,
) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete target: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var jobID string
	err = tx.QueryRow(ctx,
		`UPDATE targets
		 SET status = $1, last_error = $2, lease_expiry = NULL
		 WHERE id = $3 AND status IN ('leased', 'running')
		 RETURNING job_id`,
		string(status), lastError, targetID,
	).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		cancelled, cerr := s.targetCancelled(ctx, tx, targetID)
		if cerr != nil {
			return cerr
		}
		if cancelled {
			// Cancellation raced the worker; the cancelled status wins.
			return nil
		}
		return fmt.Errorf("target %s not in flight: %w", targetID, engine.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("complete target: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET completed_at = $1
		 WHERE id = $2 AND completed_at IS NULL AND NOT EXISTS (
			SELECT 1 FROM targets
			WHERE job_id = $2 AND status IN ('queued', 'leased', 'running')
		 )`,
		time.Now().UTC(), jobID,
	); err != nil {
		return fmt.Errorf("stamp job completion: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete target: %w", err)
	}
	return nil
}

// RequeueTarget returns an in-flight target to the queue, attempt preserved.
func (s *Store) RequeueTarget(ctx context.Context, targetID string, notBefore time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE targets
		 SET status = $1, not_before = $2, last_error = $3, lease_expiry = NULL
		 WHERE id = $4 AND status IN ('leased', 'running')`,
		string(engine.TargetStatusQueued), notBefore, lastError, targetID,
	)
	if err != nil {
		return fmt.Errorf("requeue target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cancelled, cerr := s.targetCancelled(ctx, s.pool, targetID)
		if cerr != nil {
			return cerr
		}
		if cancelled {
			return nil
		}
		return fmt.Errorf("target %s not in flight: %w", targetID, engine.ErrNotFound)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) targetCancelled(ctx context.Context, q rowQuerier, targetID string) (bool, error) {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM targets WHERE id = $1`, targetID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("target %s: %w", targetID, engine.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("target status: %w", err)
	}
	return engine.TargetStatus(status) == engine.TargetStatusCancelled, nil
}

// ReapExpired requeues all in-flight targets whose lease has lapsed, running
// ones included so a worker that died mid-session does not strand its target.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE targets SET status = $1, lease_expiry = NULL
		 WHERE status IN ('leased', 'running') AND lease_expiry <= $2`,
		string(engine.TargetStatusQueued), now,
	)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanTarget(row pgx.Row) (engine.Target, error) {
	var (
		t      engine.Target
		status string
	)
	err := row.Scan(
		&t.ID, &t.JobID, &t.Source, &t.Location, &t.Category, &t.Keyword, &t.Priority,
		&status, &t.AttemptCount, &t.LastError, &t.EnqueuedAt, &t.NotBefore, &t.LeaseExpiry,
	)
	if err != nil {
		return engine.Target{}, err
	}
	t.Status = engine.TargetStatus(status)
	return t, nil
}
