// Package ats integrates the external applicant tracking system: the
// cursor-paginated candidate API, the encrypted integration store, sync job
// bookkeeping, and the sync engine that reconciles candidates against the
// person registry.
package ats

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"talentpool/registry-service/internal/registry"
)

const (
	defaultBaseURL  = "https://api.ashbyhq.com"
	clientTimeout   = 30 * time.Second
	DefaultPageSize = 100
)

// ErrSyncTokenExpired is surfaced when the ATS reports the stored sync token
// is no longer usable. The caller must run a full sync; proceeding
// incrementally would silently miss data.
var ErrSyncTokenExpired = errors.New("sync token expired, full sync required")

// PageRequest is one page request against the candidate API.
type PageRequest struct {
	Limit     int
	Cursor    string // opaque page cursor, empty on the first page
	SyncToken string // empty for a full sync
}

// CandidatePage is one page of the candidate listing.
type CandidatePage struct {
	Candidates    []Candidate
	MoreAvailable bool
	NextCursor    string
	SyncToken     string // issued on the final page
}

// Client lists candidates from the ATS, one page at a time.
type Client interface {
	ListCandidates(ctx context.Context, req PageRequest) (*CandidatePage, error)
}

// ClientFactory builds a Client from a decrypted API key. The engine calls
// it once per sync run.
type ClientFactory func(apiKey string) Client

// ─── Candidate ───────────────────────────────────────────────────────────────

// Candidate mirrors one candidate record from the ATS.
type Candidate struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	PrimaryEmailAddress struct {
		Value string `json:"value"`
	} `json:"primaryEmailAddress"`
	SocialLinks []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"socialLinks"`
	Position string `json:"position"`
	Company  string `json:"company"`
	School   string `json:"school"`
	Tags     []struct {
		Title string `json:"title"`
	} `json:"tags"`
	PrimaryLocation struct {
		LocationSummary string `json:"locationSummary"`
	} `json:"primaryLocation"`

	// Raw is the unmodified ATS payload, stored in membership metadata.
	Raw json.RawMessage `json:"-"`
}

// LinkedInURL returns the candidate's LinkedIn link as the ATS recorded it,
// or "" when none is present.
func (c *Candidate) LinkedInURL() string {
	for _, link := range c.SocialLinks {
		if link.Type == "LinkedIn" && strings.TrimSpace(link.URL) != "" {
			return strings.TrimSpace(link.URL)
		}
	}
	return ""
}

// DisplayName returns a best-effort human name: the ATS name field, the
// local part of the email, then a truncated candidate ID.
func (c *Candidate) DisplayName() string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	if email := c.PrimaryEmailAddress.Value; email != "" {
		local, _, _ := strings.Cut(email, "@")
		return strings.ReplaceAll(local, ".", " ")
	}
	id := c.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "Candidate " + id
}

// SourceMetadata formats the candidate for storage in a membership's
// metadata document. The ATS candidate identifier lives at a fixed key so
// the sync engine can match on it later.
func (c *Candidate) SourceMetadata() map[string]any {
	tags := make([]string, 0, len(c.Tags))
	for _, t := range c.Tags {
		tags = append(tags, t.Title)
	}
	return map[string]any{
		"ats_candidate_id": c.ID,
		"ats_data":         c.Raw,
		"integration_sync": map[string]any{
			"last_synced": time.Now().UTC().Format(time.RFC3339),
			"sync_status": "synced",
		},
		"extracted_fields": map[string]any{
			"name":         c.DisplayName(),
			"email":        c.PrimaryEmailAddress.Value,
			"linkedin_url": c.LinkedInURL(),
			"position":     c.Position,
			"company":      c.Company,
			"school":       c.School,
			"tags":         tags,
			"location":     c.PrimaryLocation.LocationSummary,
		},
	}
}

// ─── Ashby client ────────────────────────────────────────────────────────────

// AshbyClient implements Client against the Ashby candidate API. The API key
// is sent as the basic-auth username with an empty password.
type AshbyClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAshbyClient constructs a client with a shared HTTP client.
func NewAshbyClient(apiKey string) *AshbyClient {
	return &AshbyClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: clientTimeout},
	}
}

// ashbyEnvelope mirrors the top-level Ashby response.
type ashbyEnvelope struct {
	Success           bool              `json:"success"`
	Errors            []string          `json:"errors"`
	Results           []json.RawMessage `json:"results"`
	MoreDataAvailable bool              `json:"moreDataAvailable"`
	NextCursor        string            `json:"nextCursor"`
	SyncToken         string            `json:"syncToken"`
}

// ListCandidates requests one page of candidate.list.
func (a *AshbyClient) ListCandidates(ctx context.Context, req PageRequest) (*CandidatePage, error) {
	payload := map[string]any{"limit": req.Limit}
	if req.Cursor != "" {
		payload["cursor"] = req.Cursor
	}
	if req.SyncToken != "" {
		payload["syncToken"] = req.SyncToken
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal candidate.list request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/candidate.list", bytes.NewReader(body))
	if err != nil {
		return nil, providerErr(0, err)
	}
	httpReq.SetBasicAuth(a.apiKey, "")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providerErr(0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providerErr(0, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, providerErr(resp.StatusCode, fmt.Errorf("%s", raw))
	}

	var env ashbyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, providerErr(0, fmt.Errorf("malformed response: %w", err))
	}
	if !env.Success {
		return nil, envelopeError(env.Errors)
	}

	page := &CandidatePage{
		MoreAvailable: env.MoreDataAvailable,
		NextCursor:    env.NextCursor,
		SyncToken:     env.SyncToken,
	}
	for _, rc := range env.Results {
		var c Candidate
		if err := json.Unmarshal(rc, &c); err != nil {
			return nil, providerErr(0, fmt.Errorf("malformed candidate: %w", err))
		}
		c.Raw = rc
		page.Candidates = append(page.Candidates, c)
	}
	return page, nil
}

func providerErr(status int, err error) error {
	return &registry.ProviderError{Op: "list candidates", StatusCode: status, Err: err}
}

// envelopeError maps an unsuccessful ATS envelope to an error, detecting the
// expired-token condition so callers can tell it apart from generic failure.
func envelopeError(msgs []string) error {
	msg := strings.Join(msgs, ", ")
	if msg == "" {
		msg = "unknown error"
	}
	if strings.Contains(msg, "sync_token_expired") {
		return &registry.ProviderError{Op: "list candidates", Err: ErrSyncTokenExpired}
	}
	return &registry.ProviderError{Op: "list candidates", Err: errors.New(msg)}
}
