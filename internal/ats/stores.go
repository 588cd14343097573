package ats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"talentpool/registry-service/internal/registry"
)

// ErrNoActiveIntegration is returned when a sync is requested but no
// integration is marked active.
var ErrNoActiveIntegration = errors.New("no active ATS integration configured")

// Job types and statuses mirror the ats_sync_jobs columns.
const (
	JobTypeInitial     = "initial"
	JobTypeIncremental = "incremental"

	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Integration is one ATS connection. APIKey is held decrypted only in
// memory; the store persists the sealed form.
type Integration struct {
	ID         int64
	APIKey     string
	SyncToken  string
	LastSyncAt *time.Time
}

// Stats are the running counters of one sync run.
type Stats struct {
	Processed int
	Created   int
	Updated   int
	Skipped   int
}

// SyncJob is one append-only audit record of a sync attempt.
type SyncJob struct {
	ID            int64
	IntegrationID int64
	Type          string
	Status        string
	Stats         Stats
	ErrorMessage  string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// ─── Vault ───────────────────────────────────────────────────────────────────

// Vault persists ATS integrations with the credential encrypted at rest.
type Vault struct {
	pool *pgxpool.Pool
	key  []byte
}

// NewVault returns a Vault sealing credentials under key (32 bytes).
func NewVault(pool *pgxpool.Pool, key []byte) *Vault {
	return &Vault{pool: pool, key: key}
}

// SaveIntegration encrypts and stores a new integration and activates it.
// At most one integration is active at a time: activating this one
// deactivates all others in the same transaction.
func (v *Vault) SaveIntegration(ctx context.Context, apiKey string) (int64, error) {
	if apiKey == "" {
		return 0, fmt.Errorf("api key must not be empty")
	}
	sealed, err := EncryptCredential(v.key, apiKey)
	if err != nil {
		return 0, err
	}

	tx, err := v.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin save integration: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE ats_integrations SET is_active = false WHERE is_active`); err != nil {
		return 0, fmt.Errorf("deactivate integrations: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO ats_integrations (api_key_encrypted, is_active)
		 VALUES ($1, true)
		 RETURNING id`, sealed).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert integration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit save integration: %w", err)
	}
	slog.Info("saved ATS integration", "id", id)
	return id, nil
}

// Active returns the active integration with its credential decrypted, or
// ErrNoActiveIntegration.
func (v *Vault) Active(ctx context.Context) (*Integration, error) {
	var (
		integ  Integration
		sealed string
	)
	err := v.pool.QueryRow(ctx,
		`SELECT id, api_key_encrypted, COALESCE(sync_token, ''), last_sync_at
		 FROM ats_integrations
		 WHERE is_active
		 ORDER BY created_at DESC
		 LIMIT 1`).Scan(&integ.ID, &sealed, &integ.SyncToken, &integ.LastSyncAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveIntegration
	}
	if err != nil {
		return nil, fmt.Errorf("load active integration: %w", err)
	}

	if integ.APIKey, err = DecryptCredential(v.key, sealed); err != nil {
		return nil, err
	}
	return &integ, nil
}

// StoreSyncToken persists the resumable token issued on the final page of a
// sync and stamps the last successful sync time.
func (v *Vault) StoreSyncToken(ctx context.Context, integrationID int64, token string) error {
	_, err := v.pool.Exec(ctx,
		`UPDATE ats_integrations
		 SET sync_token = $1, last_sync_at = NOW()
		 WHERE id = $2`, token, integrationID)
	if err != nil {
		return fmt.Errorf("store sync token: %w", err)
	}
	return nil
}

// ─── Job store ───────────────────────────────────────────────────────────────

// Querier is the slice of the pgx pool surface the job store queries
// through. *pgxpool.Pool satisfies it.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// JobStore persists sync job lifecycle records. The Redis cache is advisory
// only: reads fall back to PostgreSQL, and the cache is invalidated by TTL.
type JobStore struct {
	pool Querier
	rdb  *redis.Client // optional
}

const jobCacheTTL = 15 * time.Minute

// NewJobStore returns a JobStore. rdb may be nil to disable the cache.
func NewJobStore(pool Querier, rdb *redis.Client) *JobStore {
	return &JobStore{pool: pool, rdb: rdb}
}

// Create inserts a new running job and returns its ID.
func (s *JobStore) Create(ctx context.Context, integrationID int64, jobType string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ats_sync_jobs (integration_id, job_type)
		 VALUES ($1, $2)
		 RETURNING id`, integrationID, jobType).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create sync job: %w", err)
	}
	return id, nil
}

// Checkpoint persists the running counters so a crash mid-sync leaves an
// accurate partial count rather than silence.
func (s *JobStore) Checkpoint(ctx context.Context, jobID int64, stats Stats) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ats_sync_jobs
		 SET candidates_processed = $1,
		     candidates_created   = $2,
		     candidates_updated   = $3,
		     candidates_skipped   = $4
		 WHERE id = $5`,
		stats.Processed, stats.Created, stats.Updated, stats.Skipped, jobID)
	if err != nil {
		return fmt.Errorf("checkpoint sync job: %w", err)
	}
	s.cache(ctx, jobID, JobStatusRunning, stats, "")
	return nil
}

// Complete marks the job completed with its final counters.
func (s *JobStore) Complete(ctx context.Context, jobID int64, stats Stats) error {
	return s.finish(ctx, jobID, JobStatusCompleted, stats, "")
}

// Fail marks the job failed, recording the counters accumulated so far and
// the error message.
func (s *JobStore) Fail(ctx context.Context, jobID int64, stats Stats, msg string) error {
	return s.finish(ctx, jobID, JobStatusFailed, stats, msg)
}

func (s *JobStore) finish(ctx context.Context, jobID int64, status string, stats Stats, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ats_sync_jobs
		 SET status               = $1,
		     candidates_processed = $2,
		     candidates_created   = $3,
		     candidates_updated   = $4,
		     candidates_skipped   = $5,
		     error_message        = NULLIF($6, ''),
		     completed_at         = NOW()
		 WHERE id = $7`,
		status, stats.Processed, stats.Created, stats.Updated, stats.Skipped, msg, jobID)
	if err != nil {
		return fmt.Errorf("finish sync job: %w", err)
	}
	s.cache(ctx, jobID, status, stats, msg)
	return nil
}

// SweepStale forcibly fails jobs stuck in running for longer than maxAge, so
// a crashed process cannot block future syncs. Returns how many were swept.
func (s *JobStore) SweepStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ats_sync_jobs
		 SET status        = 'failed',
		     error_message = 'job marked as failed due to timeout',
		     completed_at  = NOW()
		 WHERE status = 'running'
		   AND started_at < NOW() - make_interval(secs => $1)`,
		maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("sweep stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

const jobColumns = `id, integration_id, job_type, status,
	candidates_processed, candidates_created, candidates_updated, candidates_skipped,
	COALESCE(error_message, ''), started_at, completed_at`

// Get returns one job by ID. Returns ErrNotFound when the row is absent.
func (s *JobStore) Get(ctx context.Context, jobID int64) (*SyncJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ats_sync_jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	return j, err
}

// Running returns all currently running jobs, newest first.
func (s *JobStore) Running(ctx context.Context) ([]SyncJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM ats_sync_jobs
		 WHERE status = 'running'
		 ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer rows.Close()

	out := make([]SyncJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*SyncJob, error) {
	var j SyncJob
	err := row.Scan(&j.ID, &j.IntegrationID, &j.Type, &j.Status,
		&j.Stats.Processed, &j.Stats.Created, &j.Stats.Updated, &j.Stats.Skipped,
		&j.ErrorMessage, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// cache writes the advisory job-status entry. Best-effort: failures are
// logged and ignored, the store stays authoritative.
func (s *JobStore) cache(ctx context.Context, jobID int64, status string, stats Stats, msg string) {
	if s.rdb == nil {
		return
	}
	entry, _ := json.Marshal(map[string]any{
		"status":    status,
		"processed": stats.Processed,
		"created":   stats.Created,
		"updated":   stats.Updated,
		"skipped":   stats.Skipped,
		"error":     msg,
	})
	key := fmt.Sprintf("job:status:%d", jobID)
	if err := s.rdb.Set(ctx, key, entry, jobCacheTTL).Err(); err != nil {
		slog.Warn("job status cache write failed", "job", jobID, "err", err)
	}
}
