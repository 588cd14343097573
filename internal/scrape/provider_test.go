package scrape_test

import (
	"testing"
	"time"

	"talentpool/registry-service/internal/scrape"
)

const sampleProfile = `{
	"id": 12345,
	"firstName": "Grace",
	"lastName": "Hopper",
	"headline": "Rear Admiral, computer scientist",
	"geo": {"country": "United States", "city": "Arlington", "countryCode": "us"},
	"educations": [
		{
			"schoolName": "Yale University",
			"degree": "PhD",
			"fieldOfStudy": "Mathematics",
			"start": {"year": 1930, "month": 9, "day": 0},
			"end": {"year": 1934}
		}
	],
	"position": [
		{
			"companyName": "US Navy",
			"title": "Rear Admiral",
			"start": {"year": 1943, "month": 12, "day": 1},
			"end": {"year": 0, "month": 0, "day": 0}
		}
	],
	"skills": [{"name": "COBOL"}, {"name": ""}, {"name": "Compilers"}],
	"honors": [{"title": "National Medal of Technology"}]
}`

func TestParseProfile_FullDocument(t *testing.T) {
	p, err := scrape.ParseProfile([]byte(sampleProfile))
	if err != nil {
		t.Fatalf("ParseProfile returned unexpected error: %v", err)
	}

	if p.ExternalID != "12345" {
		t.Errorf("ExternalID = %q, want %q", p.ExternalID, "12345")
	}
	if got := p.FullName(); got != "Grace Hopper" {
		t.Errorf("FullName() = %q, want %q", got, "Grace Hopper")
	}
	if p.Geo == nil || p.Geo.City != "Arlington" {
		t.Errorf("Geo = %+v, want city Arlington", p.Geo)
	}

	if len(p.Educations) != 1 {
		t.Fatalf("Educations = %d, want 1", len(p.Educations))
	}
	edu := p.Educations[0]
	// Day 0 defaults to the first of the month.
	wantStart := time.Date(1930, 9, 1, 0, 0, 0, 0, time.UTC)
	if edu.StartDate == nil || !edu.StartDate.Equal(wantStart) {
		t.Errorf("education StartDate = %v, want %v", edu.StartDate, wantStart)
	}

	if len(p.Positions) != 1 {
		t.Fatalf("Positions = %d, want 1", len(p.Positions))
	}
	if p.Positions[0].EndDate != nil {
		t.Errorf("open-ended position EndDate = %v, want nil", p.Positions[0].EndDate)
	}

	// Empty skill names are dropped.
	if len(p.Skills) != 2 {
		t.Errorf("Skills = %v, want 2 entries", p.Skills)
	}
	if len(p.Honors) != 1 {
		t.Errorf("Honors = %v, want 1 entry", p.Honors)
	}
}

func TestParseProfile_StringID(t *testing.T) {
	p, err := scrape.ParseProfile([]byte(`{"id": "abc-123", "firstName": "A"}`))
	if err != nil {
		t.Fatalf("ParseProfile returned unexpected error: %v", err)
	}
	if p.ExternalID != "abc-123" {
		t.Errorf("ExternalID = %q, want %q", p.ExternalID, "abc-123")
	}
}

func TestParseProfile_MissingID(t *testing.T) {
	for _, doc := range []string{
		`{"firstName": "A"}`,
		`{"id": null, "firstName": "A"}`,
		`{"id": 0, "firstName": "A"}`,
	} {
		p, err := scrape.ParseProfile([]byte(doc))
		if err != nil {
			t.Fatalf("ParseProfile(%s) returned unexpected error: %v", doc, err)
		}
		if p.ExternalID != "" {
			t.Errorf("ParseProfile(%s).ExternalID = %q, want empty", doc, p.ExternalID)
		}
	}
}

func TestParseProfile_NotJSON(t *testing.T) {
	if _, err := scrape.ParseProfile([]byte("<html>rate limited</html>")); err == nil {
		t.Error("expected error for a non-JSON document, got nil")
	}
}
