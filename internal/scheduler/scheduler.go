// Package scheduler wires up the cron job that periodically submits an
// incremental ATS sync to the task runner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"talentpool/registry-service/internal/ats"
	"talentpool/registry-service/internal/tasks"
)

// Scheduler wraps robfig/cron and manages the periodic sync loop.
type Scheduler struct {
	cron   *cron.Cron
	engine *ats.Engine
	runner *tasks.Runner
	spec   string // cron spec, e.g. "@every 6h"
}

// New creates a Scheduler that fires every intervalHours hours.
func New(engine *ats.Engine, runner *tasks.Runner, intervalHours int) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cron.DefaultLogger)),
		engine: engine,
		runner: runner,
		spec:   fmt.Sprintf("@every %dh", intervalHours),
	}
}

// Start registers the job and starts the scheduler. Also submits one sync
// immediately so the registry is populated without waiting for the first
// tick.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.submitSync(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	log.Printf("[scheduler] Cron started — spec: %s", s.spec)

	s.submitSync(ctx)

	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("[scheduler] Cron stopped")
}

// submitSync hands an incremental sync to the task runner. A missing
// integration or a sync already in flight is routine, not an error worth a
// failed task.
func (s *Scheduler) submitSync(ctx context.Context) {
	id, err := s.runner.Submit(ctx, "ats-sync", func(taskCtx context.Context) error {
		_, err := s.engine.RunSync(taskCtx, true)
		switch {
		case errors.Is(err, ats.ErrNoActiveIntegration):
			log.Println("[scheduler] No active ATS integration — skipping sync")
			return nil
		case errors.Is(err, ats.ErrSyncInProgress):
			log.Println("[scheduler] Sync already in progress — skipping")
			return nil
		}
		return err
	})
	if errors.Is(err, tasks.ErrQueueFull) {
		log.Println("[scheduler] Task queue full — sync deferred to next tick")
		return
	}
	if err != nil {
		log.Printf("[scheduler] Submit error: %v", err)
		return
	}
	log.Printf("[scheduler] Sync cycle submitted — task: %s", id)
}
