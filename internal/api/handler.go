// Package api implements the HTTP handlers for the registry service.
//
// Routes:
//
//	GET  /people                      → browse the person registry (filters)
//	GET  /people/{id}                 → full person detail
//	GET  /filters/schools             → distinct schools for filter dropdowns
//	GET  /filters/companies           → distinct companies
//	GET  /sources                     → list sources (master first)
//	POST /sources                     → create a manual source
//	GET  /sources/{id}/members        → list members of a source
//	POST /sources/{id}/rename         → rename a source
//	POST /sources/{id}/ingest         → ingest one profile URL (synchronous)
//	POST /sources/{id}/ingest-bulk    → bulk ingest, returns a task handle
//	POST /ats/integration             → save and activate an ATS API key
//	POST /ats/sync                    → trigger a sync, returns a task handle
//	GET  /ats/jobs/running            → currently running sync jobs
//	GET  /ats/jobs/{id}               → one sync job
//	GET  /tasks/{id}                  → advisory status of a background task
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"talentpool/registry-service/internal/ats"
	"talentpool/registry-service/internal/registry"
	"talentpool/registry-service/internal/scrape"
	"talentpool/registry-service/internal/source"
	"talentpool/registry-service/internal/tasks"
)

// ─── Handler ─────────────────────────────────────────────────────────────────

// Handler holds shared dependencies.
type Handler struct {
	people     *registry.Registry
	ledger     *source.Ledger
	pipeline   *scrape.Pipeline
	engine     *ats.Engine
	vault      *ats.Vault
	jobs       *ats.JobStore
	runner     *tasks.Runner
	atsClients ats.ClientFactory
}

// NewHandler returns a configured Handler.
func NewHandler(people *registry.Registry, ledger *source.Ledger, pipeline *scrape.Pipeline,
	engine *ats.Engine, vault *ats.Vault, jobs *ats.JobStore, runner *tasks.Runner,
	atsClients ats.ClientFactory) *Handler {
	return &Handler{
		people:     people,
		ledger:     ledger,
		pipeline:   pipeline,
		engine:     engine,
		vault:      vault,
		jobs:       jobs,
		runner:     runner,
		atsClients: atsClients,
	}
}

// RegisterRoutes mounts all registry-service routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/people", h.handlePeople)
	mux.HandleFunc("/people/", h.handlePersonDetail)
	mux.HandleFunc("/filters/schools", h.handleSchools)
	mux.HandleFunc("/filters/companies", h.handleCompanies)
	mux.HandleFunc("/sources", h.handleSources)
	mux.HandleFunc("/sources/", h.handleSourceAction)
	mux.HandleFunc("/ats/integration", h.handleIntegration)
	mux.HandleFunc("/ats/sync", h.handleSyncTrigger)
	mux.HandleFunc("/ats/jobs/", h.handleJobs)
	mux.HandleFunc("/tasks/", h.handleTaskStatus)
}

// ─── People ──────────────────────────────────────────────────────────────────

// handlePeople handles GET /people
func (h *Handler) handlePeople(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	f := registry.Filter{
		Search:  q.Get("search"),
		School:  q.Get("school"),
		Company: q.Get("company"),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	people, err := h.people.ListSummaries(r.Context(), f)
	if err != nil {
		log.Printf("[api] ListSummaries error: %v", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	total, err := h.people.CountSummaries(r.Context(), f)
	if err != nil {
		log.Printf("[api] CountSummaries error: %v", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}

	jsonOK(w, map[string]any{"people": people, "total": total})
}

// handlePersonDetail handles GET /people/{id}
func (h *Handler) handlePersonDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := trailingID(w, r.URL.Path, 2)
	if !ok {
		return
	}

	detail, err := h.people.GetDetail(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		jsonError(w, "person not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[api] GetDetail error: %v", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, detail)
}

func (h *Handler) handleSchools(w http.ResponseWriter, r *http.Request) {
	listDistinct(w, r, h.people.DistinctSchools)
}

func (h *Handler) handleCompanies(w http.ResponseWriter, r *http.Request) {
	listDistinct(w, r, h.people.DistinctCompanies)
}

func listDistinct(w http.ResponseWriter, r *http.Request, load func(context.Context) ([]string, error)) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	values, err := load(r.Context())
	if err != nil {
		log.Printf("[api] distinct values error: %v", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, values)
}

// ─── Sources ─────────────────────────────────────────────────────────────────

// handleSources handles GET|POST /sources
func (h *Handler) handleSources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sources, err := h.ledger.List(r.Context())
		if err != nil {
			log.Printf("[api] List sources error: %v", err)
			jsonError(w, "database error", http.StatusInternalServerError)
			return
		}
		jsonOK(w, sources)
	case http.MethodPost:
		var body struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Schema      map[string]any `json:"metadataSchema"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			jsonError(w, "body must contain name", http.StatusBadRequest)
			return
		}
		id, err := h.ledger.Create(r.Context(), body.Name, body.Description, source.KindManual, body.Schema)
		var conflict *registry.ConflictError
		if errors.As(err, &conflict) {
			jsonError(w, conflict.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			log.Printf("[api] Create source error: %v", err)
			jsonError(w, "database error", http.StatusInternalServerError)
			return
		}
		jsonOK(w, map[string]any{"id": id})
	default:
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSourceAction handles /sources/{id}/members|rename|ingest|ingest-bulk
func (h *Handler) handleSourceAction(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 {
		jsonError(w, "invalid path", http.StatusNotFound)
		return
	}
	sourceID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		jsonError(w, "invalid source id", http.StatusBadRequest)
		return
	}
	action := parts[2]

	switch {
	case action == "members" && r.Method == http.MethodGet:
		h.listMembers(w, r, sourceID)
	case action == "rename" && r.Method == http.MethodPost:
		h.renameSource(w, r, sourceID)
	case action == "ingest" && r.Method == http.MethodPost:
		h.ingestOne(w, r, sourceID)
	case action == "ingest-bulk" && r.Method == http.MethodPost:
		h.ingestBulk(w, r, sourceID)
	default:
		jsonError(w, fmt.Sprintf("unknown action %q", action), http.StatusNotFound)
	}
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request, sourceID int64) {
	members, err := h.ledger.ListMembers(r.Context(), sourceID)
	if errors.Is(err, registry.ErrNotFound) {
		jsonError(w, "source not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[api] ListMembers error: %v", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, members)
}

func (h *Handler) renameSource(w http.ResponseWriter, r *http.Request, sourceID int64) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		jsonError(w, "body must contain name", http.StatusBadRequest)
		return
	}

	err := h.ledger.Rename(r.Context(), sourceID, body.Name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		jsonError(w, "source not found", http.StatusNotFound)
	case err != nil:
		var conflict *registry.ConflictError
		if errors.As(err, &conflict) {
			jsonError(w, conflict.Error(), http.StatusConflict)
			return
		}
		log.Printf("[api] Rename source error: %v", err)
		jsonError(w, "database error", http.StatusInternalServerError)
	default:
		jsonOK(w, map[string]string{"status": "renamed"})
	}
}

func (h *Handler) ingestOne(w http.ResponseWriter, r *http.Request, sourceID int64) {
	var body struct {
		URL   string `json:"url"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		jsonError(w, "body must contain url", http.StatusBadRequest)
		return
	}

	result, err := h.pipeline.Ingest(r.Context(), body.URL, sourceID, body.Force)
	var invalid *registry.ValidationError
	if errors.As(err, &invalid) {
		jsonError(w, invalid.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Printf("[api] Ingest error for %q: %v", body.URL, err)
		jsonError(w, "profile ingest failed", http.StatusBadGateway)
		return
	}
	jsonOK(w, result)
}

func (h *Handler) ingestBulk(w http.ResponseWriter, r *http.Request, sourceID int64) {
	var body struct {
		URLs  []string `json:"urls"`
		Force bool     `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.URLs) == 0 {
		jsonError(w, "body must contain urls", http.StatusBadRequest)
		return
	}

	taskID, err := h.runner.Submit(r.Context(), "bulk-ingest", func(ctx context.Context) error {
		_, err := h.pipeline.IngestBulk(ctx, body.URLs, sourceID, body.Force)
		return err
	})
	if errors.Is(err, tasks.ErrQueueFull) {
		jsonError(w, "too many background tasks, retry later", http.StatusTooManyRequests)
		return
	}
	if err != nil {
		log.Printf("[api] Submit bulk ingest error: %v", err)
		jsonError(w, "could not schedule task", http.StatusInternalServerError)
		return
	}
	jsonAccepted(w, map[string]string{"taskId": taskID})
}

// ─── ATS ─────────────────────────────────────────────────────────────────────

// handleIntegration handles POST /ats/integration
func (h *Handler) handleIntegration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.APIKey == "" {
		jsonError(w, "body must contain apiKey", http.StatusBadRequest)
		return
	}

	// Prove the key against the ATS before activating it; a bad key must not
	// replace a working integration.
	if _, err := h.atsClients(body.APIKey).ListCandidates(r.Context(), ats.PageRequest{Limit: 1}); err != nil {
		log.Printf("[api] ATS key validation failed: %v", err)
		jsonError(w, "ATS rejected the API key", http.StatusBadRequest)
		return
	}

	id, err := h.vault.SaveIntegration(r.Context(), body.APIKey)
	if err != nil {
		log.Printf("[api] SaveIntegration error: %v", err)
		jsonError(w, "could not save integration", http.StatusInternalServerError)
		return
	}
	jsonOK(w, map[string]any{"id": id})
}

// handleSyncTrigger handles POST /ats/sync
func (h *Handler) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Incremental bool `json:"incremental"`
	}
	// Empty body means a full sync.
	_ = json.NewDecoder(r.Body).Decode(&body)

	taskID, err := h.runner.Submit(r.Context(), "ats-sync", func(ctx context.Context) error {
		_, err := h.engine.RunSync(ctx, body.Incremental)
		return err
	})
	if errors.Is(err, tasks.ErrQueueFull) {
		jsonError(w, "too many background tasks, retry later", http.StatusTooManyRequests)
		return
	}
	if err != nil {
		log.Printf("[api] Submit sync error: %v", err)
		jsonError(w, "could not schedule sync", http.StatusInternalServerError)
		return
	}
	jsonAccepted(w, map[string]string{"taskId": taskID})
}

// handleJobs handles GET /ats/jobs/running and GET /ats/jobs/{id}
func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 {
		jsonError(w, "invalid path", http.StatusNotFound)
		return
	}
	if parts[2] == "running" {
		jobs, err := h.jobs.Running(r.Context())
		if err != nil {
			log.Printf("[api] Running jobs error: %v", err)
			jsonError(w, "database error", http.StatusInternalServerError)
			return
		}
		jsonOK(w, jobs)
		return
	}

	jobID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		jsonError(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := h.jobs.Get(r.Context(), jobID)
	if errors.Is(err, registry.ErrNotFound) {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[api] Get job error: %v", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, job)
}

// handleTaskStatus handles GET /tasks/{id}
func (h *Handler) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 {
		jsonError(w, "invalid path", http.StatusNotFound)
		return
	}

	status, err := h.runner.Status(r.Context(), parts[1])
	if err != nil {
		log.Printf("[api] Task status error: %v", err)
		jsonError(w, "status store error", http.StatusInternalServerError)
		return
	}
	if status == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(status)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// trailingID parses the numeric ID at path segment index from p.
func trailingID(w http.ResponseWriter, p string, segments int) (int64, bool) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != segments {
		jsonError(w, "invalid path", http.StatusNotFound)
		return 0, false
	}
	id, err := strconv.ParseInt(parts[segments-1], 10, 64)
	if err != nil {
		jsonError(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func jsonAccepted(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
