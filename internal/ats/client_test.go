package ats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"talentpool/registry-service/internal/registry"
)

func newTestClient(srv *httptest.Server) *AshbyClient {
	return &AshbyClient{apiKey: "test-key", baseURL: srv.URL, client: srv.Client()}
}

func TestListCandidates_Page(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/candidate.list" {
			t.Errorf("path = %q, want /candidate.list", r.URL.Path)
		}
		user, _, ok := r.BasicAuth()
		if !ok || user != "test-key" {
			t.Errorf("basic auth user = %q, want the api key", user)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("request body: %v", err)
		}
		if body["limit"] != float64(100) {
			t.Errorf("limit = %v, want 100", body["limit"])
		}
		if _, ok := body["cursor"]; ok {
			t.Error("first page request should carry no cursor")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"success": true,
			"results": [
				{
					"id": "cand-1",
					"name": "Ada Lovelace",
					"socialLinks": [{"type": "LinkedIn", "url": "https://linkedin.com/in/ada"}]
				},
				{"id": "cand-2", "primaryEmailAddress": {"value": "grace.hopper@navy.mil"}}
			],
			"moreDataAvailable": true,
			"nextCursor": "cur-2"
		}`))
	}))
	defer srv.Close()

	page, err := newTestClient(srv).ListCandidates(context.Background(), PageRequest{Limit: 100})
	if err != nil {
		t.Fatalf("ListCandidates returned unexpected error: %v", err)
	}
	if len(page.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(page.Candidates))
	}
	if !page.MoreAvailable || page.NextCursor != "cur-2" {
		t.Errorf("pagination = (%v, %q), want (true, cur-2)", page.MoreAvailable, page.NextCursor)
	}

	first := page.Candidates[0]
	if got := first.LinkedInURL(); got != "https://linkedin.com/in/ada" {
		t.Errorf("LinkedInURL() = %q", got)
	}
	if len(first.Raw) == 0 {
		t.Error("Raw payload should be captured")
	}
	if got := page.Candidates[1].DisplayName(); got != "grace hopper" {
		t.Errorf("DisplayName() = %q, want email local part", got)
	}
}

func TestListCandidates_CarriesCursorAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["cursor"] != "cur-2" {
			t.Errorf("cursor = %v, want cur-2", body["cursor"])
		}
		if body["syncToken"] != "tok-1" {
			t.Errorf("syncToken = %v, want tok-1", body["syncToken"])
		}
		w.Write([]byte(`{"success": true, "results": [], "moreDataAvailable": false, "syncToken": "tok-2"}`))
	}))
	defer srv.Close()

	page, err := newTestClient(srv).ListCandidates(context.Background(),
		PageRequest{Limit: 100, Cursor: "cur-2", SyncToken: "tok-1"})
	if err != nil {
		t.Fatalf("ListCandidates returned unexpected error: %v", err)
	}
	if page.SyncToken != "tok-2" {
		t.Errorf("SyncToken = %q, want tok-2", page.SyncToken)
	}
}

func TestListCandidates_ExpiredSyncToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "errors": ["sync_token_expired"]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ListCandidates(context.Background(), PageRequest{Limit: 100, SyncToken: "stale"})
	if !errors.Is(err, ErrSyncTokenExpired) {
		t.Fatalf("expected ErrSyncTokenExpired, got %v", err)
	}
}

func TestListCandidates_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ListCandidates(context.Background(), PageRequest{Limit: 100})
	var perr *registry.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", perr.StatusCode)
	}
}

func TestCandidate_SourceMetadata(t *testing.T) {
	c := Candidate{
		ID:   "cand-9",
		Name: "Ada Lovelace",
		Raw:  json.RawMessage(`{"id":"cand-9"}`),
	}
	c.PrimaryEmailAddress.Value = "ada@example.com"

	meta := c.SourceMetadata()
	if meta["ats_candidate_id"] != "cand-9" {
		t.Errorf("ats_candidate_id = %v", meta["ats_candidate_id"])
	}
	fields, ok := meta["extracted_fields"].(map[string]any)
	if !ok {
		t.Fatal("extracted_fields missing")
	}
	if fields["name"] != "Ada Lovelace" || fields["email"] != "ada@example.com" {
		t.Errorf("extracted_fields = %v", fields)
	}
}
