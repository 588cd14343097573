package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Summary is one row of the browse view: person plus the headline facts the
// listing pages show.
type Summary struct {
	PersonID      int64
	FirstName     string
	LastName      string
	Headline      string
	Country       string
	City          string
	LatestCompany string
	LatestSchool  string
	SkillTags     []string
}

// Filter narrows the browse view. Zero values mean "no constraint".
type Filter struct {
	Search  string // matches first name, last name or headline
	School  string // exact school name
	Company string // exact company name
	Limit   int
	Offset  int
}

// Detail is the full view of one person: the registry row plus every
// attribute set.
type Detail struct {
	Person     *Person
	FirstName  string
	LastName   string
	Headline   string
	Geo        *GeoInfo
	Educations []Education
	Positions  []Position
	Skills     []string
	Honors     []string
}

const summarySelect = `
	SELECT p.id, li.first_name, li.last_name, li.headline,
	       COALESCE(g.country, ''), COALESCE(g.city, ''),
	       COALESCE((SELECT pos.company_name FROM positions pos
	                 WHERE pos.person_id = p.id
	                 ORDER BY pos.end_date DESC NULLS FIRST, pos.start_date DESC
	                 LIMIT 1), ''),
	       COALESCE((SELECT edu.school_name FROM educations edu
	                 WHERE edu.person_id = p.id
	                 ORDER BY edu.end_date DESC NULLS FIRST, edu.start_date DESC
	                 LIMIT 1), ''),
	       COALESCE((SELECT array_agg(s.name) FROM
	                 (SELECT s1.name FROM skills s1 WHERE s1.person_id = p.id LIMIT 3) s), '{}')
	FROM people p
	JOIN linkedin_info li ON li.person_id = p.id
	LEFT JOIN geo g ON g.person_id = p.id`

// ListSummaries returns the browse view, filtered and paged.
func (r *Registry) ListSummaries(ctx context.Context, f Filter) ([]Summary, error) {
	where, args := f.clauses()
	limit := f.Limit
	if limit <= 0 {
		limit = 24
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf("%s%s ORDER BY li.last_name, li.first_name LIMIT $%d OFFSET $%d",
		summarySelect, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.PersonID, &s.FirstName, &s.LastName, &s.Headline,
			&s.Country, &s.City, &s.LatestCompany, &s.LatestSchool, &s.SkillTags); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSummaries returns the total row count for the same filter, for the
// web layer's pagination math.
func (r *Registry) CountSummaries(ctx context.Context, f Filter) (int, error) {
	where, args := f.clauses()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM people p JOIN linkedin_info li ON li.person_id = p.id`+where,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count summaries: %w", err)
	}
	return n, nil
}

func (f Filter) clauses() (string, []any) {
	var (
		where string
		args  []any
	)
	add := func(clause string, vals ...any) {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		args = append(args, vals...)
		where += fmt.Sprintf(clause, len(args))
	}

	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		add(`(li.first_name ILIKE $%[1]d OR li.last_name ILIKE $%[1]d OR li.headline ILIKE $%[1]d)`, pattern)
	}
	if f.School != "" {
		add(`EXISTS (SELECT 1 FROM educations edu WHERE edu.person_id = p.id AND edu.school_name = $%d)`, f.School)
	}
	if f.Company != "" {
		add(`EXISTS (SELECT 1 FROM positions pos WHERE pos.person_id = p.id AND pos.company_name = $%d)`, f.Company)
	}
	return where, args
}

// DistinctSchools returns every distinct school name, for filter dropdowns.
func (r *Registry) DistinctSchools(ctx context.Context) ([]string, error) {
	return r.distinct(ctx,
		`SELECT DISTINCT school_name FROM educations
		 WHERE school_name <> '' ORDER BY school_name`)
}

// DistinctCompanies returns every distinct company name, for filter dropdowns.
func (r *Registry) DistinctCompanies(ctx context.Context) ([]string, error) {
	return r.distinct(ctx,
		`SELECT DISTINCT company_name FROM positions
		 WHERE company_name <> '' ORDER BY company_name`)
}

func (r *Registry) distinct(ctx context.Context, q string) ([]string, error) {
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("distinct query: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetDetail returns one person with every attribute set loaded.
func (r *Registry) GetDetail(ctx context.Context, personID int64) (*Detail, error) {
	person, err := r.Get(ctx, personID)
	if err != nil {
		return nil, err
	}
	d := &Detail{Person: person}

	err = r.pool.QueryRow(ctx,
		`SELECT first_name, last_name, headline
		 FROM linkedin_info WHERE person_id = $1`, personID).
		Scan(&d.FirstName, &d.LastName, &d.Headline)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load linkedin_info: %w", err)
	}

	var g GeoInfo
	err = r.pool.QueryRow(ctx,
		`SELECT country, city, country_code FROM geo WHERE person_id = $1`, personID).
		Scan(&g.Country, &g.City, &g.CountryCode)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load geo: %w", err)
	default:
		d.Geo = &g
	}

	if d.Educations, err = r.loadEducations(ctx, personID); err != nil {
		return nil, err
	}
	if d.Positions, err = r.loadPositions(ctx, personID); err != nil {
		return nil, err
	}
	if d.Skills, err = r.distinctFor(ctx,
		`SELECT name FROM skills WHERE person_id = $1 ORDER BY name`, personID); err != nil {
		return nil, err
	}
	if d.Honors, err = r.distinctFor(ctx,
		`SELECT title FROM honors WHERE person_id = $1 ORDER BY title`, personID); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *Registry) loadEducations(ctx context.Context, personID int64) ([]Education, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT school_name, school_id, field_of_study, degree, description, activities,
		        start_date, end_date
		 FROM educations WHERE person_id = $1
		 ORDER BY end_date DESC NULLS FIRST, start_date DESC`, personID)
	if err != nil {
		return nil, fmt.Errorf("load educations: %w", err)
	}
	defer rows.Close()

	out := make([]Education, 0)
	for rows.Next() {
		var e Education
		if err := rows.Scan(&e.SchoolName, &e.SchoolID, &e.FieldOfStudy, &e.Degree,
			&e.Description, &e.Activities, &e.StartDate, &e.EndDate); err != nil {
			return nil, fmt.Errorf("scan education: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Registry) loadPositions(ctx context.Context, personID int64) ([]Position, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT company_id, company_name, title, location, description, employment_type,
		        start_date, end_date
		 FROM positions WHERE person_id = $1
		 ORDER BY end_date DESC NULLS FIRST, start_date DESC`, personID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	out := make([]Position, 0)
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.CompanyID, &p.CompanyName, &p.Title, &p.Location,
			&p.Description, &p.EmploymentType, &p.StartDate, &p.EndDate); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Registry) distinctFor(ctx context.Context, q string, personID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, q, personID)
	if err != nil {
		return nil, fmt.Errorf("attribute query: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
