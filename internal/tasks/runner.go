// Package tasks runs long-lived background work, such as bulk ingests and
// ATS syncs, off the request path on a bounded worker pool.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Submit when the queue has no room. Callers
// should surface it as backpressure rather than block a request.
var ErrQueueFull = errors.New("task queue is full")

// Task statuses written to the advisory status store.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const statusTTL = 24 * time.Hour

// Fn is one unit of background work.
type Fn func(ctx context.Context) error

type task struct {
	id   string
	name string
	fn   Fn
}

// Runner executes submitted tasks on a fixed pool of workers fed from a
// bounded queue. Task status is mirrored into Redis for polling; the store
// is advisory and entries expire on their own.
type Runner struct {
	queue  chan task
	rdb    *redis.Client // optional
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewRunner starts workers goroutines draining a queue of queueSize. rdb may
// be nil to disable status tracking.
func NewRunner(queueSize, workers int, rdb *redis.Client) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	r := &Runner{
		queue:  make(chan task, queueSize),
		rdb:    rdb,
		group:  g,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			r.work(ctx)
			return nil
		})
	}
	return r
}

// Submit enqueues fn and returns its task ID, or ErrQueueFull.
func (r *Runner) Submit(ctx context.Context, name string, fn Fn) (string, error) {
	t := task{id: uuid.NewString(), name: name, fn: fn}
	select {
	case r.queue <- t:
		r.setStatus(ctx, t, StatusQueued, "")
		slog.Info("task queued", "task", t.id, "name", t.name)
		return t.id, nil
	default:
		return "", ErrQueueFull
	}
}

// Status returns the advisory status document for a task ID, or nil when
// unknown (expired, never submitted, or tracking disabled).
func (r *Runner) Status(ctx context.Context, taskID string) (json.RawMessage, error) {
	if r.rdb == nil {
		return nil, nil
	}
	raw, err := r.rdb.Get(ctx, statusKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task status: %w", err)
	}
	return raw, nil
}

// Stop drains nothing: queued tasks not yet picked up are abandoned and
// running tasks see their context cancelled. Blocks until workers exit.
func (r *Runner) Stop() {
	r.cancel()
	_ = r.group.Wait()
}

func (r *Runner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.queue:
			r.setStatus(ctx, t, StatusRunning, "")
			start := time.Now()
			if err := t.fn(ctx); err != nil {
				r.setStatus(ctx, t, StatusFailed, err.Error())
				slog.Error("task failed", "task", t.id, "name", t.name,
					"duration", time.Since(start), "err", err)
				continue
			}
			r.setStatus(ctx, t, StatusCompleted, "")
			slog.Info("task completed", "task", t.id, "name", t.name,
				"duration", time.Since(start))
		}
	}
}

func (r *Runner) setStatus(ctx context.Context, t task, status, errMsg string) {
	if r.rdb == nil {
		return
	}
	doc, _ := json.Marshal(map[string]any{
		"id":         t.id,
		"name":       t.name,
		"status":     status,
		"error":      errMsg,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := r.rdb.Set(ctx, statusKey(t.id), doc, statusTTL).Err(); err != nil {
		slog.Warn("task status write failed", "task", t.id, "err", err)
	}
}

func statusKey(id string) string { return "task:status:" + id }
