package ats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"talentpool/registry-service/internal/identity"
	"talentpool/registry-service/internal/registry"
	"talentpool/registry-service/internal/source"
)

// ErrSyncInProgress is returned when another sync run holds the lease.
var ErrSyncInProgress = errors.New("a sync is already in progress")

// IntegrationStore is the vault surface the engine uses.
type IntegrationStore interface {
	Active(ctx context.Context) (*Integration, error)
	StoreSyncToken(ctx context.Context, integrationID int64, token string) error
}

// JobRecorder persists sync job lifecycle records.
type JobRecorder interface {
	Create(ctx context.Context, integrationID int64, jobType string) (int64, error)
	Checkpoint(ctx context.Context, jobID int64, stats Stats) error
	Complete(ctx context.Context, jobID int64, stats Stats) error
	Fail(ctx context.Context, jobID int64, stats Stats, msg string) error
	SweepStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

const pageDelay = 100 * time.Millisecond

// Outcome summarizes one completed sync run.
type Outcome struct {
	JobID int64
	Type  string
	Stats Stats
}

// Engine drives one sync run: it pages candidates out of the ATS and
// reconciles each against the person registry, under a single-flight lease.
type Engine struct {
	dir       Directory
	vault     IntegrationStore
	jobs      JobRecorder
	lease     Lease
	newClient ClientFactory
	pageLimit int
	staleAge  time.Duration
	rdb       *redis.Client // optional; completion events are best-effort
}

// WithEventPublisher enables EVENT_SYNC_COMPLETED publishes on rdb.
func (e *Engine) WithEventPublisher(rdb *redis.Client) *Engine {
	e.rdb = rdb
	return e
}

// NewEngine wires a sync engine. staleAge bounds both the stale-job sweep
// and, with a margin, the lease TTL.
func NewEngine(dir Directory, vault IntegrationStore, jobs JobRecorder, lease Lease,
	factory ClientFactory, staleAge time.Duration) *Engine {
	return &Engine{
		dir:       dir,
		vault:     vault,
		jobs:      jobs,
		lease:     lease,
		newClient: factory,
		pageLimit: DefaultPageSize,
		staleAge:  staleAge,
	}
}

// RunSync executes one sync run. When incremental is true and a sync token
// is stored, only changed candidates are fetched; otherwise the run is a
// full initial sync. Returns ErrSyncInProgress when the lease is held and an
// error wrapping ErrSyncTokenExpired when the stored token has lapsed.
func (e *Engine) RunSync(ctx context.Context, incremental bool) (*Outcome, error) {
	integ, err := e.vault.Active(ctx)
	if err != nil {
		return nil, err
	}

	if swept, err := e.jobs.SweepStale(ctx, e.staleAge); err != nil {
		slog.Warn("stale job sweep failed", "err", err)
	} else if swept > 0 {
		slog.Info("swept stale sync jobs", "count", swept)
	}

	// Lease TTL exceeds the sweep threshold so a crashed holder is always
	// expired by the time its job would be swept.
	ok, err := e.lease.Acquire(ctx, e.staleAge+time.Minute)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	defer func() {
		if err := e.lease.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("sync lease release failed", "err", err)
		}
	}()

	jobType := JobTypeInitial
	syncToken := ""
	if incremental && integ.SyncToken != "" {
		jobType = JobTypeIncremental
		syncToken = integ.SyncToken
	}

	sourceID, err := e.dir.EnsureATSSource(ctx)
	if err != nil {
		return nil, err
	}

	jobID, err := e.jobs.Create(ctx, integ.ID, jobType)
	if err != nil {
		return nil, err
	}
	slog.Info("sync started", "job", jobID, "type", jobType)

	stats, nextToken, err := e.runPages(ctx, integ, sourceID, jobID, syncToken)
	if err != nil {
		if failErr := e.jobs.Fail(ctx, jobID, stats, err.Error()); failErr != nil {
			slog.Error("could not mark sync job failed", "job", jobID, "err", failErr)
		}
		return nil, err
	}

	if nextToken != "" {
		if err := e.vault.StoreSyncToken(ctx, integ.ID, nextToken); err != nil {
			if failErr := e.jobs.Fail(ctx, jobID, stats, err.Error()); failErr != nil {
				slog.Error("could not mark sync job failed", "job", jobID, "err", failErr)
			}
			return nil, err
		}
	}

	if err := e.jobs.Complete(ctx, jobID, stats); err != nil {
		return nil, err
	}
	slog.Info("sync completed", "job", jobID,
		"processed", stats.Processed, "created", stats.Created,
		"updated", stats.Updated, "skipped", stats.Skipped)
	e.publishCompleted(ctx, jobID, jobType, stats)
	return &Outcome{JobID: jobID, Type: jobType, Stats: stats}, nil
}

func (e *Engine) publishCompleted(ctx context.Context, jobID int64, jobType string, stats Stats) {
	if e.rdb == nil {
		return
	}
	event, _ := json.Marshal(map[string]any{
		"type":      "EVENT_SYNC_COMPLETED",
		"jobId":     jobID,
		"jobType":   jobType,
		"processed": stats.Processed,
		"created":   stats.Created,
		"updated":   stats.Updated,
		"skipped":   stats.Skipped,
	})
	if err := e.rdb.Publish(ctx, "EVENT_SYNC_COMPLETED", event).Err(); err != nil {
		slog.Warn("publish EVENT_SYNC_COMPLETED failed", "job", jobID, "err", err)
	}
}

// runPages walks the candidate listing page by page, checkpointing counters
// after each page. It returns the sync token issued on the final page.
func (e *Engine) runPages(ctx context.Context, integ *Integration, sourceID, jobID int64, syncToken string) (Stats, string, error) {
	var stats Stats
	client := e.newClient(integ.APIKey)

	req := PageRequest{Limit: e.pageLimit, SyncToken: syncToken}
	token := ""
	for {
		page, err := client.ListCandidates(ctx, req)
		if err != nil {
			return stats, "", err
		}

		for i := range page.Candidates {
			outcome, err := e.processCandidate(ctx, sourceID, &page.Candidates[i])
			stats.Processed++
			switch {
			case err != nil:
				stats.Skipped++
				slog.Warn("candidate skipped", "candidate", page.Candidates[i].ID, "err", err)
			case outcome == candidateCreated:
				stats.Created++
			case outcome == candidateUpdated:
				stats.Updated++
			default:
				stats.Skipped++
			}
		}
		if err := e.jobs.Checkpoint(ctx, jobID, stats); err != nil {
			slog.Warn("sync checkpoint failed", "job", jobID, "err", err)
		}
		if page.SyncToken != "" {
			token = page.SyncToken
		}

		if !page.MoreAvailable {
			return stats, token, nil
		}
		if page.NextCursor == "" {
			return stats, "", fmt.Errorf("ats reported more data but returned no cursor")
		}
		req.Cursor = page.NextCursor

		select {
		case <-ctx.Done():
			return stats, "", ctx.Err()
		case <-time.After(pageDelay):
		}
	}
}

type candidateOutcome int

const (
	candidateSkipped candidateOutcome = iota
	candidateCreated
	candidateUpdated
)

// processCandidate reconciles one candidate. Match order: the ATS candidate
// ID recorded in membership metadata wins over the identity key, so a person
// already linked to this candidate keeps the link even if their LinkedIn URL
// changed in the ATS. An unmatched candidate is always imported: a pending
// person is created even without a LinkedIn URL (empty identity key), since
// the ATS candidate ID in the membership metadata anchors future matches.
func (e *Engine) processCandidate(ctx context.Context, sourceID int64, cand *Candidate) (candidateOutcome, error) {
	enteredRef := cand.LinkedInURL()
	canonical := identity.Normalize(enteredRef)

	personID, err := e.dir.FindPersonByATSCandidateID(ctx, cand.ID)
	created := false
	if errors.Is(err, registry.ErrNotFound) && canonical != "" {
		personID, err = e.dir.FindPersonByIdentityKey(ctx, canonical)
	}
	if errors.Is(err, registry.ErrNotFound) {
		personID, err = e.dir.CreatePendingPerson(ctx, canonical)
		created = err == nil
	}
	if err != nil {
		return candidateSkipped, err
	}

	ref := canonical
	if ref == "" {
		ref = "ats:" + cand.ID
	}
	meta := cand.SourceMetadata()

	if created {
		if err := e.dir.AddMembership(ctx, personID, sourceID, ref, meta); err != nil {
			return candidateSkipped, err
		}
		return candidateCreated, nil
	}

	member, err := e.dir.HasMembership(ctx, personID, sourceID)
	if err != nil {
		return candidateSkipped, err
	}
	if member {
		if err := e.dir.UpdateMembership(ctx, personID, sourceID, ref, meta); err != nil {
			return candidateSkipped, err
		}
		return candidateUpdated, nil
	}
	if err := e.dir.AddMembership(ctx, personID, sourceID, ref, meta); err != nil {
		if errors.Is(err, source.ErrDuplicateMembership) {
			return candidateSkipped, nil
		}
		return candidateSkipped, err
	}
	return candidateUpdated, nil
}
