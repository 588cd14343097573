// registry-service
//
// Deduplicated person registry with identity resolution over LinkedIn URLs.
// Exposes a REST API used by internal tooling to implement:
//   - browse/search the person registry with filters
//   - manage provenance sources and their memberships
//   - ingest profiles through the scraping pipeline (single + bulk)
//   - configure the ATS integration and trigger candidate syncs
//
// A cron scheduler submits incremental ATS syncs on an interval; long work
// runs on a bounded background task pool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"talentpool/registry-service/internal/api"
	"talentpool/registry-service/internal/ats"
	"talentpool/registry-service/internal/config"
	"talentpool/registry-service/internal/db"
	"talentpool/registry-service/internal/registry"
	"talentpool/registry-service/internal/scheduler"
	"talentpool/registry-service/internal/scrape"
	"talentpool/registry-service/internal/source"
	"talentpool/registry-service/internal/tasks"
)

const version = "1.0.0"

func main() {
	// ── Config ──────────────────────────────────────────────────────────────
	if err := godotenv.Load(); err != nil {
		log.Println("[registry-service] No .env file found, using environment")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[registry-service] Config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	log.Println("[registry-service] Connecting to PostgreSQL…")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.Fatalf("[registry-service] PostgreSQL: %v", err)
	}
	defer pool.Close()
	log.Println("[registry-service] PostgreSQL connected ✓")

	// ── Redis ────────────────────────────────────────────────────────────────
	log.Println("[registry-service] Connecting to Redis…")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("[registry-service] Redis: %v", err)
	}
	defer rdb.Close()
	log.Println("[registry-service] Redis connected ✓")

	// ── Core services ────────────────────────────────────────────────────────
	people := registry.New(pool)
	ledger := source.NewLedger(pool)
	if _, err := ledger.EnsureMaster(ctx); err != nil {
		log.Fatalf("[registry-service] Master source: %v", err)
	}

	provider := scrape.NewRapidAPIProvider(cfg.RapidAPIKey, cfg.RapidAPIHost)
	pipeline := scrape.NewPipeline(people, ledger, provider, rdb,
		cfg.FreshnessWindow, cfg.RequestDelay)

	atsClients := ats.ClientFactory(func(apiKey string) ats.Client {
		return ats.NewAshbyClient(apiKey)
	})
	vault := ats.NewVault(pool, cfg.CredentialKey)
	jobs := ats.NewJobStore(pool, rdb)
	lease := ats.NewRedisLease(rdb, "ats:sync:lease")
	engine := ats.NewEngine(ats.NewDirectory(people, ledger), vault, jobs, lease,
		atsClients, cfg.StaleJobMaxAge).WithEventPublisher(rdb)

	runner := tasks.NewRunner(cfg.TaskQueueSize, cfg.TaskWorkers, rdb)
	defer runner.Stop()

	// ── Scheduler ────────────────────────────────────────────────────────────
	sched := scheduler.New(engine, runner, cfg.SyncIntervalHrs)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("[registry-service] Scheduler: %v", err)
	}
	defer sched.Stop()

	// ── HTTP server ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)

	h := api.NewHandler(people, ledger, pipeline, engine, vault, jobs, runner, atsClients)
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("[registry-service] v%s listening on :%s", version, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[registry-service] HTTP server error: %v", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[registry-service] Shutting down…")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[registry-service] Shutdown error: %v", err)
	}
	log.Println("[registry-service] Stopped.")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "registry-service",
		"version": version,
	})
}
