package ats_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"talentpool/registry-service/internal/ats"
	"talentpool/registry-service/internal/registry"
	"talentpool/registry-service/internal/source"
)

// ── Fakes ──────────────────────────────────────────────────────────────────

type fakeDirectory struct {
	sourceID     int64
	byCandidate  map[string]int64 // ats candidate id → person id
	byKey        map[string]int64 // identity key → person id
	memberships  map[int64]bool   // person id → member of the ats source
	nextPersonID int64

	created int
	added   int
	updated int
	refs    []string // identity refs passed to AddMembership
	addErr  error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		sourceID:     11,
		byCandidate:  map[string]int64{},
		byKey:        map[string]int64{},
		memberships:  map[int64]bool{},
		nextPersonID: 1,
	}
}

func (f *fakeDirectory) FindPersonByATSCandidateID(_ context.Context, candidateID string) (int64, error) {
	if id, ok := f.byCandidate[candidateID]; ok {
		return id, nil
	}
	return 0, registry.ErrNotFound
}

func (f *fakeDirectory) FindPersonByIdentityKey(_ context.Context, key string) (int64, error) {
	if id, ok := f.byKey[key]; ok {
		return id, nil
	}
	return 0, registry.ErrNotFound
}

func (f *fakeDirectory) CreatePendingPerson(_ context.Context, key string) (int64, error) {
	id := f.nextPersonID
	f.nextPersonID++
	f.byKey[key] = id
	f.created++
	return id, nil
}

func (f *fakeDirectory) EnsureATSSource(context.Context) (int64, error) { return f.sourceID, nil }

func (f *fakeDirectory) HasMembership(_ context.Context, personID, _ int64) (bool, error) {
	return f.memberships[personID], nil
}

func (f *fakeDirectory) AddMembership(_ context.Context, personID, _ int64, ref string, meta map[string]any) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.memberships[personID] = true
	if cid, ok := meta["ats_candidate_id"].(string); ok {
		f.byCandidate[cid] = personID
	}
	f.refs = append(f.refs, ref)
	f.added++
	return nil
}

func (f *fakeDirectory) UpdateMembership(_ context.Context, personID, _ int64, _ string, _ map[string]any) error {
	f.updated++
	return nil
}

type fakeVault struct {
	integ       *ats.Integration
	storedToken string
}

func (f *fakeVault) Active(context.Context) (*ats.Integration, error) {
	if f.integ == nil {
		return nil, ats.ErrNoActiveIntegration
	}
	return f.integ, nil
}

func (f *fakeVault) StoreSyncToken(_ context.Context, _ int64, token string) error {
	f.storedToken = token
	return nil
}

type jobEvent struct {
	kind  string
	stats ats.Stats
	msg   string
}

type fakeJobs struct {
	nextID  int64
	created []string // job types, in creation order
	events  []jobEvent
	swept   int64
	sweeps  int
}

func (f *fakeJobs) Create(_ context.Context, _ int64, jobType string) (int64, error) {
	f.nextID++
	f.created = append(f.created, jobType)
	return f.nextID, nil
}

func (f *fakeJobs) Checkpoint(_ context.Context, _ int64, stats ats.Stats) error {
	f.events = append(f.events, jobEvent{kind: "checkpoint", stats: stats})
	return nil
}

func (f *fakeJobs) Complete(_ context.Context, _ int64, stats ats.Stats) error {
	f.events = append(f.events, jobEvent{kind: "complete", stats: stats})
	return nil
}

func (f *fakeJobs) Fail(_ context.Context, _ int64, stats ats.Stats, msg string) error {
	f.events = append(f.events, jobEvent{kind: "fail", stats: stats, msg: msg})
	return nil
}

func (f *fakeJobs) SweepStale(context.Context, time.Duration) (int64, error) {
	f.sweeps++
	return f.swept, nil
}

func (f *fakeJobs) last(t *testing.T) jobEvent {
	t.Helper()
	if len(f.events) == 0 {
		t.Fatal("no job events recorded")
	}
	return f.events[len(f.events)-1]
}

type fakeLease struct {
	held     bool
	acquired int
	released int
}

func (f *fakeLease) Acquire(context.Context, time.Duration) (bool, error) {
	f.acquired++
	return !f.held, nil
}

func (f *fakeLease) Release(context.Context) error {
	f.released++
	return nil
}

type fakeClient struct {
	pages []*ats.CandidatePage
	err   error
	calls []ats.PageRequest
}

func (f *fakeClient) ListCandidates(_ context.Context, req ats.PageRequest) (*ats.CandidatePage, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func candidate(id, linkedin string) ats.Candidate {
	c := ats.Candidate{ID: id, Name: "Candidate " + id, Raw: json.RawMessage(`{}`)}
	if linkedin != "" {
		c.SocialLinks = append(c.SocialLinks, struct {
			Type string `json:"type"`
			URL  string `json:"url"`
		}{Type: "LinkedIn", URL: linkedin})
	}
	return c
}

func newEngine(dir *fakeDirectory, vault *fakeVault, jobs *fakeJobs, lease *fakeLease, client ats.Client) *ats.Engine {
	return ats.NewEngine(dir, vault, jobs, lease,
		func(string) ats.Client { return client }, 30*time.Minute)
}

func activeVault(token string) *fakeVault {
	return &fakeVault{integ: &ats.Integration{ID: 1, APIKey: "k", SyncToken: token}}
}

// ── RunSync ────────────────────────────────────────────────────────────────

func TestRunSync_TwoPagesCompleted(t *testing.T) {
	dir := newFakeDirectory()
	jobs := &fakeJobs{}
	lease := &fakeLease{}
	client := &fakeClient{pages: []*ats.CandidatePage{
		{
			Candidates:    []ats.Candidate{candidate("c1", "https://linkedin.com/in/one")},
			MoreAvailable: true,
			NextCursor:    "cur-2",
		},
		{
			Candidates: []ats.Candidate{candidate("c2", "https://linkedin.com/in/two")},
			SyncToken:  "tok-final",
		},
	}}
	vault := activeVault("")

	out, err := newEngine(dir, vault, jobs, lease, client).RunSync(context.Background(), false)
	if err != nil {
		t.Fatalf("RunSync returned unexpected error: %v", err)
	}

	if out.Type != ats.JobTypeInitial {
		t.Errorf("job type = %q, want initial", out.Type)
	}
	want := ats.Stats{Processed: 2, Created: 2}
	if out.Stats != want {
		t.Errorf("stats = %+v, want %+v", out.Stats, want)
	}
	if vault.storedToken != "tok-final" {
		t.Errorf("stored token = %q, want tok-final", vault.storedToken)
	}
	if ev := jobs.last(t); ev.kind != "complete" {
		t.Errorf("final job event = %q, want complete", ev.kind)
	}
	if len(client.calls) != 2 || client.calls[1].Cursor != "cur-2" {
		t.Errorf("page requests = %+v, want second call with cursor cur-2", client.calls)
	}
	if lease.released != 1 {
		t.Errorf("lease released %d times, want 1", lease.released)
	}
}

func TestRunSync_IncrementalUsesStoredToken(t *testing.T) {
	dir := newFakeDirectory()
	jobs := &fakeJobs{}
	client := &fakeClient{pages: []*ats.CandidatePage{{SyncToken: "tok-2"}}}

	out, err := newEngine(dir, activeVault("tok-1"), jobs, &fakeLease{}, client).
		RunSync(context.Background(), true)
	if err != nil {
		t.Fatalf("RunSync returned unexpected error: %v", err)
	}
	if out.Type != ats.JobTypeIncremental {
		t.Errorf("job type = %q, want incremental", out.Type)
	}
	if client.calls[0].SyncToken != "tok-1" {
		t.Errorf("request token = %q, want tok-1", client.calls[0].SyncToken)
	}
}

func TestRunSync_IncrementalWithoutTokenFallsBackToInitial(t *testing.T) {
	jobs := &fakeJobs{}
	client := &fakeClient{pages: []*ats.CandidatePage{{}}}

	out, err := newEngine(newFakeDirectory(), activeVault(""), jobs, &fakeLease{}, client).
		RunSync(context.Background(), true)
	if err != nil {
		t.Fatalf("RunSync returned unexpected error: %v", err)
	}
	if out.Type != ats.JobTypeInitial {
		t.Errorf("job type = %q, want initial when no token is stored", out.Type)
	}
	if client.calls[0].SyncToken != "" {
		t.Errorf("request token = %q, want empty", client.calls[0].SyncToken)
	}
}

func TestRunSync_NoActiveIntegration(t *testing.T) {
	jobs := &fakeJobs{}
	_, err := newEngine(newFakeDirectory(), &fakeVault{}, jobs, &fakeLease{}, &fakeClient{}).
		RunSync(context.Background(), false)
	if !errors.Is(err, ats.ErrNoActiveIntegration) {
		t.Fatalf("expected ErrNoActiveIntegration, got %v", err)
	}
	if len(jobs.created) != 0 {
		t.Error("no job should be created without an integration")
	}
}

func TestRunSync_LeaseHeld(t *testing.T) {
	jobs := &fakeJobs{}
	lease := &fakeLease{held: true}

	_, err := newEngine(newFakeDirectory(), activeVault(""), jobs, lease, &fakeClient{}).
		RunSync(context.Background(), false)
	if !errors.Is(err, ats.ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
	if len(jobs.created) != 0 {
		t.Error("no job should be created while the lease is held")
	}
	if lease.released != 0 {
		t.Error("a lease that was never acquired must not be released")
	}
}

func TestRunSync_SweepsBeforeJobCreation(t *testing.T) {
	jobs := &fakeJobs{swept: 2}
	client := &fakeClient{pages: []*ats.CandidatePage{{}}}

	if _, err := newEngine(newFakeDirectory(), activeVault(""), jobs, &fakeLease{}, client).
		RunSync(context.Background(), false); err != nil {
		t.Fatalf("RunSync returned unexpected error: %v", err)
	}
	if jobs.sweeps != 1 {
		t.Errorf("sweeps = %d, want 1", jobs.sweeps)
	}
}

func TestRunSync_ExpiredTokenFailsJob(t *testing.T) {
	dir := newFakeDirectory()
	jobs := &fakeJobs{}
	client := &fakeClient{err: &registry.ProviderError{Op: "list candidates", Err: ats.ErrSyncTokenExpired}}

	_, err := newEngine(dir, activeVault("stale"), jobs, &fakeLease{}, client).
		RunSync(context.Background(), true)
	if !errors.Is(err, ats.ErrSyncTokenExpired) {
		t.Fatalf("expected ErrSyncTokenExpired, got %v", err)
	}
	if dir.created != 0 || dir.added != 0 || dir.updated != 0 {
		t.Error("an expired token must cause zero registry writes")
	}
	if ev := jobs.last(t); ev.kind != "fail" {
		t.Errorf("final job event = %q, want fail", ev.kind)
	}
}

func TestRunSync_MissingCursorIsProtocolError(t *testing.T) {
	jobs := &fakeJobs{}
	client := &fakeClient{pages: []*ats.CandidatePage{{MoreAvailable: true}}}

	_, err := newEngine(newFakeDirectory(), activeVault(""), jobs, &fakeLease{}, client).
		RunSync(context.Background(), false)
	if err == nil {
		t.Fatal("expected an error for more data without a cursor")
	}
	if ev := jobs.last(t); ev.kind != "fail" {
		t.Errorf("final job event = %q, want fail", ev.kind)
	}
}

// ── Candidate matching ─────────────────────────────────────────────────────

func TestRunSync_MatchByCandidateIDBeatsIdentityKey(t *testing.T) {
	dir := newFakeDirectory()
	// Person 5 is linked to candidate c1; their LinkedIn URL in the ATS now
	// points at a different, also known, person.
	dir.byCandidate["c1"] = 5
	dir.byKey["https://www.linkedin.com/in/other"] = 9
	dir.memberships[5] = true
	jobs := &fakeJobs{}
	client := &fakeClient{pages: []*ats.CandidatePage{{
		Candidates: []ats.Candidate{candidate("c1", "https://linkedin.com/in/other")},
	}}}

	out, err := newEngine(dir, activeVault(""), jobs, &fakeLease{}, client).
		RunSync(context.Background(), false)
	if err != nil {
		t.Fatalf("RunSync returned unexpected error: %v", err)
	}
	if out.Stats.Updated != 1 || out.Stats.Created != 0 {
		t.Errorf("stats = %+v, want one update and no creates", out.Stats)
	}
	if dir.updated != 1 {
		t.Errorf("UpdateMembership calls = %d, want 1", dir.updated)
	}
}

func TestRunSync_MatchByIdentityKeyAddsMembership(t *testing.T) {
	dir := newFakeDirectory()
	dir.byKey["https://www.linkedin.com/in/known"] = 3
	jobs := &fakeJobs{}
	client := &fakeClient{pages: []*ats.CandidatePage{{
		Candidates: []ats.Candidate{candidate("c1", "linkedin.com/in/known")},
	}}}

	out, err := newEngine(dir, activeVault(""), jobs, &fakeLease{}, client).
		RunSync(context.Background(), false)
	if err != nil {
		t.Fatalf("RunSync returned unexpected error: %v", err)
	}
	if out.Stats.Updated != 1 || out.Stats.Created != 0 {
		t.Errorf("stats = %+v, want one update for an existing person", out.Stats)
	}
	if dir.added != 1 {
		t.Errorf("AddMembership calls = %d, want 1", dir.added)
	}
}

func TestRunSync_UnknownCandidateCreatesPendingPerson(t *testing.T) {
	dir := newFakeDirectory()
	jobs := &fakeJobs{}
	client := &fakeClient{pages: []*ats.CandidatePage{{
		Candidates: []ats.Candidate{candidate("c1", "https://linkedin.com/in/new-face")},
	}}}

	out, err := newEngine(dir, activeVault(""), jobs, &fakeLease{}, client).
		RunSync(context.Background(), false)
	if err != nil {
		t.Fatalf("RunSync returned unexpected error: %v", err)
	}
	if out.Stats.Created != 1 {
		t.Errorf("stats = %+v, want one create", out.Stats)
	}
	if _, ok := dir.byKey["https://www.linkedin.com/in/new-face"]; !ok {
		t.Error("pending person not stored under the canonical identity key")
	}
}

func TestRunSync_CandidateWithoutLinkedInStillImported(t *testing.T) {
	dir := newFakeDirectory()
	jobs := &fakeJobs{}
	client := &fakeClient{pages: []*ats.CandidatePage{{
		Candidates: []ats.Candidate{candidate("c1", "")},
	}}}

	out, err := newEngine(dir, activeVault(""), jobs, &fakeLease{}, client).
		RunSync(context.Background(), false)
	if err != nil {
		t.Fatalf("RunSync returned unexpected error: %v", err)
	}
	want := ats.Stats{Processed: 1, Created: 1}
	if out.Stats != want {
		t.Errorf("stats = %+v, want %+v", out.Stats, want)
	}
	if dir.created != 1 {
		t.Errorf("CreatePendingPerson calls = %d, want 1", dir.created)
	}
	if len(dir.refs) != 1 || dir.refs[0] != "ats:c1" {
		t.Errorf("membership refs = %v, want the ats candidate id fallback", dir.refs)
	}
}

func TestRunSync_SecondSyncMatchesAnchorlessCandidateByATSID(t *testing.T) {
	dir := newFakeDirectory()
	jobs := &fakeJobs{}
	page := func() *ats.CandidatePage {
		return &ats.CandidatePage{Candidates: []ats.Candidate{candidate("c1", "")}}
	}

	for _, incremental := range []bool{false, true} {
		client := &fakeClient{pages: []*ats.CandidatePage{page()}}
		if _, err := newEngine(dir, activeVault(""), jobs, &fakeLease{}, client).
			RunSync(context.Background(), incremental); err != nil {
			t.Fatalf("RunSync returned unexpected error: %v", err)
		}
	}
	if dir.created != 1 {
		t.Errorf("CreatePendingPerson calls = %d, want 1 across both syncs", dir.created)
	}
	if dir.updated != 1 {
		t.Errorf("UpdateMembership calls = %d, want 1 on the second sync", dir.updated)
	}
}

func TestRunSync_DuplicateMembershipCountedAsSkipped(t *testing.T) {
	dir := newFakeDirectory()
	dir.byKey["https://www.linkedin.com/in/raced"] = 4
	dir.addErr = fmt.Errorf("insert race: %w", source.ErrDuplicateMembership)
	jobs := &fakeJobs{}
	client := &fakeClient{pages: []*ats.CandidatePage{{
		Candidates: []ats.Candidate{candidate("c1", "linkedin.com/in/raced")},
	}}}

	out, err := newEngine(dir, activeVault(""), jobs, &fakeLease{}, client).
		RunSync(context.Background(), false)
	if err != nil {
		t.Fatalf("RunSync returned unexpected error: %v", err)
	}
	want := ats.Stats{Processed: 1, Skipped: 1}
	if out.Stats != want {
		t.Errorf("stats = %+v, want %+v", out.Stats, want)
	}
}

func TestRunSync_CheckpointAfterEachPage(t *testing.T) {
	jobs := &fakeJobs{}
	client := &fakeClient{pages: []*ats.CandidatePage{
		{
			Candidates:    []ats.Candidate{candidate("c1", "https://linkedin.com/in/one")},
			MoreAvailable: true,
			NextCursor:    "cur-2",
		},
		{Candidates: []ats.Candidate{candidate("c2", "https://linkedin.com/in/two")}},
	}}

	if _, err := newEngine(newFakeDirectory(), activeVault(""), jobs, &fakeLease{}, client).
		RunSync(context.Background(), false); err != nil {
		t.Fatalf("RunSync returned unexpected error: %v", err)
	}

	var checkpoints []ats.Stats
	for _, ev := range jobs.events {
		if ev.kind == "checkpoint" {
			checkpoints = append(checkpoints, ev.stats)
		}
	}
	if len(checkpoints) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(checkpoints))
	}
	if checkpoints[0].Processed != 1 || checkpoints[1].Processed != 2 {
		t.Errorf("checkpoint progression = %+v", checkpoints)
	}
}
