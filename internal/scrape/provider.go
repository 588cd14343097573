// Package scrape implements profile fetching from the enrichment provider
// and the ingestion pipeline that commits fetched profiles to the registry.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"talentpool/registry-service/internal/registry"
)

const httpTimeout = 15 * time.Second

// Provider fetches one structured profile document by canonical identity
// URL. Implementations return a *registry.ProviderError on network failure,
// non-2xx responses and malformed bodies.
type Provider interface {
	FetchProfile(ctx context.Context, canonicalURL string) (*registry.Profile, []byte, error)
}

// RapidAPIProvider fetches LinkedIn profile data through the RapidAPI
// profile-data endpoint.
type RapidAPIProvider struct {
	apiKey  string
	apiHost string
	client  *http.Client
}

// NewRapidAPIProvider constructs a provider with a shared HTTP client.
func NewRapidAPIProvider(apiKey, apiHost string) *RapidAPIProvider {
	return &RapidAPIProvider{
		apiKey:  apiKey,
		apiHost: apiHost,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// FetchProfile requests the profile document for canonicalURL and maps it
// into the registry's schema. The raw body is returned alongside so the
// registry can store the unmodified payload.
func (p *RapidAPIProvider) FetchProfile(ctx context.Context, canonicalURL string) (*registry.Profile, []byte, error) {
	endpoint := fmt.Sprintf("https://%s/get-profile-data-by-url?url=%s",
		p.apiHost, url.QueryEscape(canonicalURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, &registry.ProviderError{Op: "fetch profile", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-rapidapi-host", p.apiHost)
	req.Header.Set("x-rapidapi-key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil, &registry.ProviderError{Op: "fetch profile", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &registry.ProviderError{Op: "fetch profile", Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, &registry.ProviderError{
			Op:         "fetch profile",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", truncate(body, 200)),
		}
	}

	profile, err := ParseProfile(body)
	if err != nil {
		return nil, nil, &registry.ProviderError{Op: "fetch profile", Err: err}
	}
	return profile, body, nil
}

// ─── Response mapping ────────────────────────────────────────────────────────

// flexID tolerates the provider sending the profile identifier as either a
// JSON string or a number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("unsupported profile id %s", b)
	}
	*f = flexID(n.String())
	return nil
}

// providerProfile mirrors the provider's JSON document.
type providerProfile struct {
	ID        flexID `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Headline  string `json:"headline"`
	Geo       struct {
		Country     string `json:"country"`
		City        string `json:"city"`
		CountryCode string `json:"countryCode"`
	} `json:"geo"`
	Educations []struct {
		SchoolName   string         `json:"schoolName"`
		SchoolID     string         `json:"schoolId"`
		FieldOfStudy string         `json:"fieldOfStudy"`
		Degree       string         `json:"degree"`
		Description  string         `json:"description"`
		Activities   string         `json:"activities"`
		Start        dateComponents `json:"start"`
		End          dateComponents `json:"end"`
	} `json:"educations"`
	Positions []struct {
		CompanyID      int64          `json:"companyId"`
		CompanyName    string         `json:"companyName"`
		Title          string         `json:"title"`
		Location       string         `json:"location"`
		Description    string         `json:"description"`
		EmploymentType string         `json:"employmentType"`
		Start          dateComponents `json:"start"`
		End            dateComponents `json:"end"`
	} `json:"position"`
	Skills []struct {
		Name string `json:"name"`
	} `json:"skills"`
	Honors []struct {
		Title string `json:"title"`
	} `json:"honors"`
}

// dateComponents is the provider's {year, month, day} date shape. Zero or
// missing year means "no date".
type dateComponents struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

// Time converts the components to a date, defaulting month and day to 1 the
// way the provider's own clients do. Returns nil when the year is absent.
func (d dateComponents) Time() *time.Time {
	if d.Year == 0 {
		return nil
	}
	month := d.Month
	if month < 1 || month > 12 {
		month = 1
	}
	day := d.Day
	if day < 1 || day > 31 {
		day = 1
	}
	t := time.Date(d.Year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return &t
}

// ParseProfile maps a raw provider document into the registry's schema.
// A document that is not JSON is an error; a document without a profile
// identifier parses fine and is rejected later by the registry upsert.
func ParseProfile(body []byte) (*registry.Profile, error) {
	var doc providerProfile
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("malformed profile document: %w", err)
	}

	p := &registry.Profile{
		ExternalID: string(doc.ID),
		FirstName:  doc.FirstName,
		LastName:   doc.LastName,
		Headline:   doc.Headline,
	}
	if p.ExternalID == "0" {
		p.ExternalID = ""
	}
	if doc.Geo.Country != "" || doc.Geo.City != "" || doc.Geo.CountryCode != "" {
		p.Geo = &registry.GeoInfo{
			Country:     doc.Geo.Country,
			City:        doc.Geo.City,
			CountryCode: doc.Geo.CountryCode,
		}
	}
	for _, e := range doc.Educations {
		p.Educations = append(p.Educations, registry.Education{
			SchoolName:   e.SchoolName,
			SchoolID:     e.SchoolID,
			FieldOfStudy: e.FieldOfStudy,
			Degree:       e.Degree,
			Description:  e.Description,
			Activities:   e.Activities,
			StartDate:    e.Start.Time(),
			EndDate:      e.End.Time(),
		})
	}
	for _, pos := range doc.Positions {
		p.Positions = append(p.Positions, registry.Position{
			CompanyID:      pos.CompanyID,
			CompanyName:    pos.CompanyName,
			Title:          pos.Title,
			Location:       pos.Location,
			Description:    pos.Description,
			EmploymentType: pos.EmploymentType,
			StartDate:      pos.Start.Time(),
			EndDate:        pos.End.Time(),
		})
	}
	for _, s := range doc.Skills {
		if s.Name != "" {
			p.Skills = append(p.Skills, s.Name)
		}
	}
	for _, h := range doc.Honors {
		if h.Title != "" {
			p.Honors = append(p.Honors, h.Title)
		}
	}
	return p, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
