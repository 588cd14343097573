package scrape

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

// IngestStatus classifies the outcome of one ingestion.
type IngestStatus string

const (
	StatusCreated IngestStatus = "created"
	StatusUpdated IngestStatus = "updated"
	StatusSkipped IngestStatus = "skipped"
	StatusFailed  IngestStatus = "failed"
)

// Result is the outcome of one Ingest call.
type Result struct {
	Status   IngestStatus
	PersonID int64
	Detail   string
}

// BulkResult aggregates a sequential bulk ingestion run.
type BulkResult struct {
	Processed  int
	Successful int
	Skipped    int
	Failed     int
	Results    []Result
}

// PersonStore is the slice of the Person Registry the pipeline needs.
type PersonStore interface {
	FindByIdentityKey(ctx context.Context, key string) (*registry.Person, error)
	CreatePending(ctx context.Context, key string) (*registry.Person, error)
	MarkFailed(ctx context.Context, key string) (int64, error)
	UpsertProfile(ctx context.Context, personID int64, key string, p *registry.Profile, raw []byte) (int64, error)
}

// MembershipStore is the slice of the membership ledger the pipeline needs.
type MembershipStore interface {
	HasMembership(ctx context.Context, personID, sourceID int64) (bool, error)
	AddMembership(ctx context.Context, personID, sourceID int64, identityRef string, metadata map[string]any) (int64, error)
	SyncIdentityRef(ctx context.Context, sourceID, personID int64, enteredRef, canonicalRef string) error
}

// Pipeline turns raw profile URLs into committed registry updates, enforcing
// the freshness policy and keeping source memberships synchronized with the
// canonical URL.
type Pipeline struct {
	people   PersonStore
	members  MembershipStore
	provider Provider
	rdb      *redis.Client // optional; ingest events are best-effort
	window   time.Duration // freshness window
	delay    time.Duration // throttle between outbound calls in bulk runs
}

// NewPipeline constructs a Pipeline. rdb may be nil; event publishing is
// then skipped.
func NewPipeline(people PersonStore, members MembershipStore, provider Provider,
	rdb *redis.Client, window, delay time.Duration) *Pipeline {
	return &Pipeline{
		people:   people,
		members:  members,
		provider: provider,
		rdb:      rdb,
		window:   window,
		delay:    delay,
	}
}

// Ingest fetches and commits one profile. The URL is normalized before any
// lookup or storage. A profile refreshed within the freshness window is
// skipped (a successful no-op) unless force is set.
func (p *Pipeline) Ingest(ctx context.Context, rawURL string, sourceID int64, force bool) (Result, error) {
	key := identity.Normalize(rawURL)
	if key == "" {
		err := &registry.ValidationError{Msg: fmt.Sprintf("not a recognizable profile URL: %q", rawURL)}
		return Result{Status: StatusFailed, Detail: err.Msg}, err
	}

	person, err := p.people.FindByIdentityKey(ctx, key)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return Result{Status: StatusFailed, Detail: err.Error()}, err
	}

	if person != nil && !force && p.isFresh(person) {
		return Result{
			Status:   StatusSkipped,
			PersonID: person.ID,
			Detail:   fmt.Sprintf("already refreshed within %s", p.window),
		}, nil
	}
	created := person == nil

	// When a source references this URL, make sure a pending row exists
	// before the outbound call so a fetch failure still has a person to
	// land on.
	if person == nil && sourceID != 0 {
		if person, err = p.people.CreatePending(ctx, key); err != nil {
			return Result{Status: StatusFailed, Detail: err.Error()}, err
		}
	}

	profile, raw, err := p.provider.FetchProfile(ctx, key)
	if err != nil {
		var failedID int64
		if person != nil {
			failedID = person.ID
			if _, mErr := p.people.MarkFailed(ctx, key); mErr != nil {
				slog.Warn("mark failed after fetch error", "key", key, "err", mErr)
			}
		}
		return Result{Status: StatusFailed, PersonID: failedID, Detail: err.Error()}, err
	}

	var targetID int64
	if person != nil {
		targetID = person.ID
	}
	personID, err := p.people.UpsertProfile(ctx, targetID, key, profile, raw)
	if err != nil {
		return Result{Status: StatusFailed, PersonID: personID, Detail: err.Error()}, err
	}

	if sourceID != 0 {
		if err := p.syncMembership(ctx, personID, sourceID, rawURL, key); err != nil {
			return Result{Status: StatusFailed, PersonID: personID, Detail: err.Error()}, err
		}
	}

	status := StatusUpdated
	if created {
		status = StatusCreated
	}
	p.publish(ctx, personID, status, key)

	return Result{Status: status, PersonID: personID, Detail: profile.FullName()}, nil
}

// IngestBulk processes URLs sequentially with a fixed inter-request delay.
// The delay is a deliberate throttle for the provider's rate limits, not an
// optimization target. Stops early when ctx is cancelled, returning the
// counts accumulated so far.
func (p *Pipeline) IngestBulk(ctx context.Context, urls []string, sourceID int64, force bool) (BulkResult, error) {
	var out BulkResult
	for i, u := range urls {
		if i > 0 && p.delay > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(p.delay):
			}
		}

		res, err := p.Ingest(ctx, u, sourceID, force)
		out.Processed++
		out.Results = append(out.Results, res)
		switch {
		case err == nil && res.Status == StatusSkipped:
			out.Skipped++
		case err == nil:
			out.Successful++
		default:
			out.Failed++
			slog.Warn("bulk ingest entry failed", "url", u, "err", err)
		}
	}
	return out, nil
}

func (p *Pipeline) isFresh(person *registry.Person) bool {
	return person.RefreshStatus == registry.StatusScraped &&
		person.LastRefreshedAt != nil &&
		time.Since(*person.LastRefreshedAt) < p.window
}

// syncMembership keeps the source's identity reference pointing at the now
// canonical URL: existing memberships are re-pointed, absent ones are
// created. A duplicate insert from a concurrent writer folds into success.
func (p *Pipeline) syncMembership(ctx context.Context, personID, sourceID int64, enteredRef, canonicalRef string) error {
	has, err := p.members.HasMembership(ctx, personID, sourceID)
	if err != nil {
		return err
	}
	if has {
		return p.members.SyncIdentityRef(ctx, sourceID, personID, enteredRef, canonicalRef)
	}

	_, err = p.members.AddMembership(ctx, personID, sourceID, canonicalRef,
		map[string]any{"linkedin_url": canonicalRef})
	if errors.Is(err, source.ErrDuplicateMembership) {
		return nil
	}
	return err
}

func (p *Pipeline) publish(ctx context.Context, personID int64, status IngestStatus, key string) {
	if p.rdb == nil {
		return
	}
	event, _ := json.Marshal(map[string]any{
		"type":     "EVENT_PROFILE_INGESTED",
		"personId": personID,
		"status":   string(status),
		"url":      key,
	})
	if err := p.rdb.Publish(ctx, "EVENT_PROFILE_INGESTED", event).Err(); err != nil {
		slog.Warn("publish EVENT_PROFILE_INGESTED failed", "err", err)
	}
}
