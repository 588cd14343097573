// Package source owns provenance buckets and the person↔source membership
// ledger. The synthetic Master source is read-only: it never holds
// memberships of its own and is computed as the union of all people.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"talentpool/registry-service/internal/registry"
)

// Source kinds mirror the source_kind column.
const (
	KindManual = "manual"
	KindATS    = "ats"
	KindMaster = "master"
)

// ErrDuplicateMembership is the expected, recoverable condition raised when
// a (person, source) pair already exists. Callers decide whether to treat it
// as success.
var ErrDuplicateMembership = errors.New("person is already a member of this source")

// Source is a named provenance bucket.
type Source struct {
	ID             int64
	Name           string
	Description    string
	Kind           string
	MetadataSchema json.RawMessage
}

// MemberView is one row of a source listing: membership data joined with a
// person summary. For the Master source, SourceNames aggregates every real
// source referencing the person and Orphan flags people with none.
type MemberView struct {
	PersonID    int64
	IdentityRef string
	Metadata    json.RawMessage
	FirstName   string
	LastName    string
	Headline    string
	Status      registry.Status
	SourceNames []string
	Orphan      bool
}

// Querier is the slice of the pgx pool surface the ledger queries through.
// *pgxpool.Pool satisfies it.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Ledger provides source and membership persistence.
type Ledger struct {
	pool Querier
}

// NewLedger returns a Ledger backed by the given pool.
func NewLedger(pool Querier) *Ledger {
	return &Ledger{pool: pool}
}

// ─── Sources ─────────────────────────────────────────────────────────────────

// FindByName looks a source up by its unique name.
func (l *Ledger) FindByName(ctx context.Context, name string) (*Source, error) {
	return l.scanOne(ctx, `SELECT id, name, description, source_kind, metadata_schema
	                       FROM sources WHERE name = $1`, name)
}

// Get returns a source by ID.
func (l *Ledger) Get(ctx context.Context, id int64) (*Source, error) {
	return l.scanOne(ctx, `SELECT id, name, description, source_kind, metadata_schema
	                       FROM sources WHERE id = $1`, id)
}

func (l *Ledger) scanOne(ctx context.Context, q string, arg any) (*Source, error) {
	var s Source
	err := l.pool.QueryRow(ctx, q, arg).
		Scan(&s.ID, &s.Name, &s.Description, &s.Kind, &s.MetadataSchema)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}
	return &s, nil
}

// List returns all sources, Master first, then by name.
func (l *Ledger) List(ctx context.Context) ([]Source, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, name, description, source_kind, metadata_schema
		 FROM sources
		 ORDER BY source_kind = 'master' DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	out := make([]Source, 0)
	for rows.Next() {
		var s Source
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.Kind, &s.MetadataSchema); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Create inserts a new source. A name collision surfaces as *ConflictError.
func (l *Ledger) Create(ctx context.Context, name, description, kind string, schema map[string]any) (int64, error) {
	if name == "" {
		return 0, &registry.ValidationError{Msg: "source name must not be empty"}
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata schema: %w", err)
	}

	var id int64
	err = l.pool.QueryRow(ctx,
		`INSERT INTO sources (name, description, source_kind, metadata_schema)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`, name, description, kind, schemaJSON).Scan(&id)
	if isUniqueViolation(err) {
		return 0, &registry.ConflictError{Msg: fmt.Sprintf("source %q already exists", name)}
	}
	if err != nil {
		return 0, fmt.Errorf("create source: %w", err)
	}
	slog.Info("created source", "name", name, "kind", kind, "id", id)
	return id, nil
}

// Rename changes a source's name. A collision with an existing name is a
// *ConflictError, not a silent overwrite.
func (l *Ledger) Rename(ctx context.Context, id int64, newName string) error {
	if newName == "" {
		return &registry.ValidationError{Msg: "source name must not be empty"}
	}
	tag, err := l.pool.Exec(ctx,
		`UPDATE sources SET name = $1 WHERE id = $2`, newName, id)
	if isUniqueViolation(err) {
		return &registry.ConflictError{Msg: fmt.Sprintf("source %q already exists", newName)}
	}
	if err != nil {
		return fmt.Errorf("rename source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// EnsureMaster returns the synthetic Master source, creating it on first use.
func (l *Ledger) EnsureMaster(ctx context.Context) (int64, error) {
	return l.ensureByKind(ctx, KindMaster, "Master",
		"All people across every source", nil)
}

// EnsureATS returns the ATS source bucket, creating it on first use.
func (l *Ledger) EnsureATS(ctx context.Context) (int64, error) {
	return l.ensureByKind(ctx, KindATS, "ATS Candidates",
		"Candidates imported from the applicant tracking system",
		map[string]any{"sync_enabled": true})
}

func (l *Ledger) ensureByKind(ctx context.Context, kind, name, description string, schema map[string]any) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`SELECT id FROM sources WHERE source_kind = $1 LIMIT 1`, kind).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("find %s source: %w", kind, err)
	}

	id, err = l.Create(ctx, name, description, kind, schema)
	var conflict *registry.ConflictError
	if errors.As(err, &conflict) {
		// Lost a creation race; the row exists now.
		if err2 := l.pool.QueryRow(ctx,
			`SELECT id FROM sources WHERE source_kind = $1 LIMIT 1`, kind).Scan(&id); err2 != nil {
			return 0, fmt.Errorf("find %s source after conflict: %w", kind, err2)
		}
		return id, nil
	}
	return id, err
}

// ─── Memberships ─────────────────────────────────────────────────────────────

// AddMembership records that a person is known through a source. At most one
// membership may exist per (person, source): a second insert raises
// ErrDuplicateMembership and leaves the existing row untouched. Direct
// additions to the Master source are rejected.
func (l *Ledger) AddMembership(ctx context.Context, personID, sourceID int64, identityRef string, metadata map[string]any) (int64, error) {
	if err := l.rejectMaster(ctx, sourceID); err != nil {
		return 0, err
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal membership metadata: %w", err)
	}

	var id int64
	err = l.pool.QueryRow(ctx,
		`INSERT INTO people_sources (person_id, source_id, identity_ref, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`, personID, sourceID, identityRef, metaJSON).Scan(&id)
	if isUniqueViolation(err) {
		return 0, ErrDuplicateMembership
	}
	if err != nil {
		return 0, fmt.Errorf("add membership: %w", err)
	}
	return id, nil
}

// UpdateMembership overwrites the identity ref and metadata of an existing
// membership. Idempotent; a missing (person, source) pair is reported as
// ErrNotFound, never silently ignored.
func (l *Ledger) UpdateMembership(ctx context.Context, personID, sourceID int64, identityRef string, metadata map[string]any) error {
	if err := l.rejectMaster(ctx, sourceID); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal membership metadata: %w", err)
	}

	tag, err := l.pool.Exec(ctx,
		`UPDATE people_sources
		 SET identity_ref = $1, metadata = $2
		 WHERE person_id = $3 AND source_id = $4`,
		identityRef, metaJSON, personID, sourceID)
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// HasMembership reports whether the (person, source) pair exists.
func (l *Ledger) HasMembership(ctx context.Context, personID, sourceID int64) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM people_sources WHERE person_id = $1 AND source_id = $2)`,
		personID, sourceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

// SyncIdentityRef re-points a source's membership at the canonical URL after
// a successful profile refresh: first by the previously stored ref (as the
// source entered it), then by person ID when the ref was already rewritten.
func (l *Ledger) SyncIdentityRef(ctx context.Context, sourceID, personID int64, enteredRef, canonicalRef string) error {
	tag, err := l.pool.Exec(ctx,
		`UPDATE people_sources
		 SET identity_ref = $1
		 WHERE (identity_ref = $2 OR identity_ref = $1) AND source_id = $3`,
		canonicalRef, enteredRef, sourceID)
	if err != nil {
		return fmt.Errorf("sync identity ref: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, err = l.pool.Exec(ctx,
		`UPDATE people_sources
		 SET identity_ref = $1
		 WHERE person_id = $2 AND source_id = $3`,
		canonicalRef, personID, sourceID)
	if err != nil {
		return fmt.Errorf("sync identity ref by person: %w", err)
	}
	return nil
}

// FindPersonByATSCandidateID resolves a person through the ATS candidate
// identifier stored in any membership's metadata. Returns ErrNotFound.
func (l *Ledger) FindPersonByATSCandidateID(ctx context.Context, candidateID string) (int64, error) {
	if candidateID == "" {
		return 0, registry.ErrNotFound
	}
	var personID int64
	err := l.pool.QueryRow(ctx,
		`SELECT ps.person_id
		 FROM people_sources ps
		 WHERE ps.metadata->>'ats_candidate_id' = $1
		 LIMIT 1`, candidateID).Scan(&personID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, registry.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("find person by ats candidate id: %w", err)
	}
	return personID, nil
}

// ListMembers returns the members of a source. For the Master source it
// computes the distinct union of all people across all real sources,
// including people no source references (flagged Orphan).
func (l *Ledger) ListMembers(ctx context.Context, sourceID int64) ([]MemberView, error) {
	src, err := l.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src.Kind == KindMaster {
		return l.listUnion(ctx)
	}

	rows, err := l.pool.Query(ctx,
		`SELECT ps.person_id, ps.identity_ref, ps.metadata,
		        COALESCE(li.first_name, ''), COALESCE(li.last_name, ''),
		        COALESCE(li.headline, ''), p.refresh_status
		 FROM people_sources ps
		 JOIN people p ON p.id = ps.person_id
		 LEFT JOIN linkedin_info li ON li.person_id = ps.person_id
		 WHERE ps.source_id = $1
		 ORDER BY li.last_name NULLS LAST, li.first_name`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	out := make([]MemberView, 0)
	for rows.Next() {
		var (
			v         MemberView
			statusRaw string
		)
		if err := rows.Scan(&v.PersonID, &v.IdentityRef, &v.Metadata,
			&v.FirstName, &v.LastName, &v.Headline, &statusRaw); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if v.Status, err = registry.ParseStatus(statusRaw); err != nil {
			return nil, err
		}
		v.SourceNames = []string{src.Name}
		out = append(out, v)
	}
	return out, rows.Err()
}

// listUnion is the Master view: every person exactly once, with the names of
// the real sources referencing them aggregated. People in no source at all
// still appear, flagged as orphans.
func (l *Ledger) listUnion(ctx context.Context) ([]MemberView, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT p.id, COALESCE(p.identity_key, ''),
		        COALESCE(li.first_name, ''), COALESCE(li.last_name, ''),
		        COALESCE(li.headline, ''), p.refresh_status,
		        COALESCE(array_agg(s.name ORDER BY s.name)
		                 FILTER (WHERE s.name IS NOT NULL), '{}')
		 FROM people p
		 LEFT JOIN linkedin_info li ON li.person_id = p.id
		 LEFT JOIN people_sources ps ON ps.person_id = p.id
		 LEFT JOIN sources s ON s.id = ps.source_id
		 GROUP BY p.id, li.first_name, li.last_name, li.headline
		 ORDER BY li.last_name NULLS LAST, li.first_name`)
	if err != nil {
		return nil, fmt.Errorf("list union: %w", err)
	}
	defer rows.Close()

	out := make([]MemberView, 0)
	for rows.Next() {
		var (
			v         MemberView
			statusRaw string
		)
		if err := rows.Scan(&v.PersonID, &v.IdentityRef, &v.FirstName, &v.LastName,
			&v.Headline, &statusRaw, &v.SourceNames); err != nil {
			return nil, fmt.Errorf("scan union member: %w", err)
		}
		if v.Status, err = registry.ParseStatus(statusRaw); err != nil {
			return nil, err
		}
		v.Orphan = len(v.SourceNames) == 0
		out = append(out, v)
	}
	return out, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (l *Ledger) rejectMaster(ctx context.Context, sourceID int64) error {
	src, err := l.Get(ctx, sourceID)
	if err != nil {
		return err
	}
	if src.Kind == KindMaster {
		return &registry.ValidationError{Msg: "the Master source is read-only; memberships belong to real sources"}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
