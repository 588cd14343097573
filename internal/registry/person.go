// Package registry owns the set of known people and their canonical identity
// keys. It is the single writer for person rows and all dependent attribute
// sets (positions, educations, skills, honors, location); every mutation is
// wrapped in a transaction scoped to one person so unrelated people can be
// ingested concurrently.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Person is one row of the people table: one distinct human.
type Person struct {
	ID              int64
	IdentityKey     string // "" when no identity is known yet
	RawProfile      json.RawMessage
	LastRefreshedAt *time.Time
	RefreshStatus   Status
	CreatedAt       time.Time
}

// Registry provides person lookup and the atomic profile upsert.
type Registry struct {
	pool *pgxpool.Pool
}

// New returns a Registry backed by the given pool.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

const personColumns = `id, COALESCE(identity_key, ''), raw_profile, last_refreshed_at, refresh_status, created_at`

func scanPerson(row pgx.Row) (*Person, error) {
	var (
		p         Person
		statusRaw string
	)
	if err := row.Scan(&p.ID, &p.IdentityKey, &p.RawProfile, &p.LastRefreshedAt, &statusRaw, &p.CreatedAt); err != nil {
		return nil, err
	}
	status, err := ParseStatus(statusRaw)
	if err != nil {
		return nil, err
	}
	p.RefreshStatus = status
	return &p, nil
}

// FindByIdentityKey looks up a person by exact canonical identity key.
// Returns ErrNotFound when no row matches.
func (r *Registry) FindByIdentityKey(ctx context.Context, key string) (*Person, error) {
	if key == "" {
		return nil, &ValidationError{Msg: "identity key must not be empty"}
	}
	p, err := scanPerson(r.pool.QueryRow(ctx,
		`SELECT `+personColumns+` FROM people WHERE identity_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find person by key: %w", err)
	}
	return p, nil
}

// Get returns a person by ID. Returns ErrNotFound when the row is absent.
func (r *Registry) Get(ctx context.Context, id int64) (*Person, error) {
	p, err := scanPerson(r.pool.QueryRow(ctx,
		`SELECT `+personColumns+` FROM people WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

// CreatePending inserts a new person in pending refresh status. key may be ""
// when the identity is not yet known (e.g. manually added without a URL).
// A uniqueness conflict on the key degrades to returning the pre-existing
// row: two concurrent registrations of the same identity must converge on
// one person, not error.
func (r *Registry) CreatePending(ctx context.Context, key string) (*Person, error) {
	p, err := scanPerson(r.pool.QueryRow(ctx,
		`INSERT INTO people (identity_key, refresh_status)
		 VALUES (NULLIF($1, ''), 'pending')
		 RETURNING `+personColumns, key))
	if isUniqueViolation(err) {
		return r.FindByIdentityKey(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("create pending person: %w", err)
	}
	return p, nil
}

// MarkFailed stamps the person holding key as failed, creating the row when
// it does not exist yet so a later retry has somewhere to land. Returns the
// person ID.
func (r *Registry) MarkFailed(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, &ValidationError{Msg: "identity key must not be empty"}
	}
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO people (identity_key, last_refreshed_at, refresh_status)
		 VALUES ($1, NOW(), 'failed')
		 ON CONFLICT (identity_key) DO UPDATE
		 SET last_refreshed_at = NOW(), refresh_status = 'failed'
		 RETURNING id`, key).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("mark person failed: %w", err)
	}
	return id, nil
}

// UpsertProfile commits one provider profile document in a single
// transaction: it resolves the target person (explicit ID, then canonical
// key, then create), writes the raw payload and canonical key, stamps the
// refresh, and fully replaces every dependent attribute set. On any failure
// the whole operation rolls back.
//
// A document without a provider-issued identifier cannot be committed; the
// target person is instead marked failed and a *ProviderDataError is
// returned (no orphan attribute rows are created).
func (r *Registry) UpsertProfile(ctx context.Context, personID int64, key string, p *Profile, raw []byte) (int64, error) {
	if p == nil || p.ExternalID == "" {
		id, mErr := r.MarkFailed(ctx, key)
		if mErr != nil {
			return 0, mErr
		}
		return id, &ProviderDataError{Key: key, Reason: "no profile identifier in provider response"}
	}

	id, err := r.upsertOnce(ctx, personID, key, p, raw)
	if isUniqueViolation(err) {
		// A concurrent writer committed the same identity key first.
		// Reconcile against the winner row instead of surfacing the race.
		winner, findErr := r.FindByIdentityKey(ctx, key)
		if findErr != nil {
			return 0, fmt.Errorf("reconcile after identity-key conflict: %w", findErr)
		}
		return r.upsertOnce(ctx, winner.ID, key, p, raw)
	}
	return id, err
}

func (r *Registry) upsertOnce(ctx context.Context, personID int64, key string, p *Profile, raw []byte) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	id, current, err := r.resolveTargetTx(ctx, tx, personID, key)
	if err != nil {
		return 0, err
	}
	if id != 0 && !IsTransitionAllowed(current, StatusScraped) {
		return 0, &ConflictError{Msg: fmt.Sprintf("person %d cannot move from %s to %s", id, current, StatusScraped)}
	}

	if id != 0 {
		_, err = tx.Exec(ctx,
			`UPDATE people
			 SET raw_profile       = $1,
			     last_refreshed_at = NOW(),
			     refresh_status    = 'scraped',
			     identity_key      = NULLIF($2, '')
			 WHERE id = $3`, raw, key, id)
	} else {
		err = tx.QueryRow(ctx,
			`INSERT INTO people (identity_key, raw_profile, last_refreshed_at, refresh_status)
			 VALUES (NULLIF($1, ''), $2, NOW(), 'scraped')
			 RETURNING id`, key, raw).Scan(&id)
	}
	if err != nil {
		return 0, wrapUnlessUnique("write person", err)
	}

	if err := replaceAttributesTx(ctx, tx, id, p); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return id, nil
}

// resolveTargetTx picks the person row the upsert will write to: explicit ID
// first, then canonical key match. Returns id 0 when a new row must be
// created, otherwise the row's current refresh status so the caller can
// check the transition.
func (r *Registry) resolveTargetTx(ctx context.Context, tx pgx.Tx, personID int64, key string) (int64, Status, error) {
	var statusRaw string
	if personID > 0 {
		err := tx.QueryRow(ctx,
			`SELECT refresh_status FROM people WHERE id = $1`, personID).Scan(&statusRaw)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", ErrNotFound
		}
		if err != nil {
			return 0, "", fmt.Errorf("resolve person by id: %w", err)
		}
		current, err := ParseStatus(statusRaw)
		if err != nil {
			return 0, "", err
		}
		return personID, current, nil
	}

	if key == "" {
		return 0, "", nil
	}
	var id int64
	err := tx.QueryRow(ctx,
		`SELECT id, refresh_status FROM people WHERE identity_key = $1`, key).Scan(&id, &statusRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("resolve person by key: %w", err)
	}
	current, err := ParseStatus(statusRaw)
	if err != nil {
		return 0, "", err
	}
	return id, current, nil
}

// replaceAttributesTx rewrites every attribute set owned by the person:
// profile info and location are upserted, the list-shaped sets are fully
// replaced (delete all, then reinsert). Never partially patched.
func replaceAttributesTx(ctx context.Context, tx pgx.Tx, personID int64, p *Profile) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO linkedin_info (person_id, external_id, first_name, last_name, headline)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (external_id) DO UPDATE
		 SET person_id = EXCLUDED.person_id,
		     first_name = EXCLUDED.first_name,
		     last_name  = EXCLUDED.last_name,
		     headline   = EXCLUDED.headline`,
		personID, p.ExternalID, p.FirstName, p.LastName, p.Headline)
	if err != nil {
		return fmt.Errorf("upsert linkedin_info: %w", err)
	}

	if p.Geo != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO geo (person_id, country, city, country_code)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (person_id) DO UPDATE
			 SET country = EXCLUDED.country,
			     city = EXCLUDED.city,
			     country_code = EXCLUDED.country_code`,
			personID, p.Geo.Country, p.Geo.City, p.Geo.CountryCode)
		if err != nil {
			return fmt.Errorf("upsert geo: %w", err)
		}
	}

	for _, table := range []string{"educations", "positions", "skills", "honors"} {
		if _, err := tx.Exec(ctx,
			`DELETE FROM `+table+` WHERE person_id = $1`, personID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, e := range p.Educations {
		_, err := tx.Exec(ctx,
			`INSERT INTO educations (person_id, school_name, school_id, field_of_study,
			                         degree, description, activities, start_date, end_date)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			personID, e.SchoolName, e.SchoolID, e.FieldOfStudy,
			e.Degree, e.Description, e.Activities, e.StartDate, e.EndDate)
		if err != nil {
			return fmt.Errorf("insert education: %w", err)
		}
	}

	for _, pos := range p.Positions {
		_, err := tx.Exec(ctx,
			`INSERT INTO positions (person_id, company_id, company_name, title, location,
			                        description, employment_type, start_date, end_date)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			personID, pos.CompanyID, pos.CompanyName, pos.Title, pos.Location,
			pos.Description, pos.EmploymentType, pos.StartDate, pos.EndDate)
		if err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
	}

	for _, name := range p.Skills {
		if name == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO skills (person_id, name) VALUES ($1, $2)`, personID, name); err != nil {
			return fmt.Errorf("insert skill: %w", err)
		}
	}

	for _, title := range p.Honors {
		if title == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO honors (person_id, title) VALUES ($1, $2)`, personID, title); err != nil {
			return fmt.Errorf("insert honor: %w", err)
		}
	}

	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func wrapUnlessUnique(op string, err error) error {
	if isUniqueViolation(err) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
