package registry

import "time"

// Profile is a normalized profile document from the enrichment provider.
// ExternalID is the provider-issued profile identifier; a document without
// one cannot be committed (see UpsertProfile).
type Profile struct {
	ExternalID string
	FirstName  string
	LastName   string
	Headline   string
	Geo        *GeoInfo
	Educations []Education
	Positions  []Position
	Skills     []string
	Honors     []string
}

// FullName joins the name fields, tolerating either being empty.
func (p *Profile) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// GeoInfo is the person's current location.
type GeoInfo struct {
	Country     string
	City        string
	CountryCode string
}

// Education is one education entry. Dates are nil when the provider omitted
// or mangled the date components.
type Education struct {
	SchoolName   string
	SchoolID     string
	FieldOfStudy string
	Degree       string
	Description  string
	Activities   string
	StartDate    *time.Time
	EndDate      *time.Time
}

// Position is one work experience entry.
type Position struct {
	CompanyID      int64
	CompanyName    string
	Title          string
	Location       string
	Description    string
	EmploymentType string
	StartDate      *time.Time
	EndDate        *time.Time
}
