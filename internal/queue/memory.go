package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postalq/mailflow/internal/apperr"
)

// ErrQueueFull is returned when the in-memory buffer cannot accept more
// jobs.
var ErrQueueFull = errors.New("queue full")

// Memory is an in-process Queue with dedupe locks, per-job retry policy,
// and a bounded worker group. It keeps the rest of the pipeline honest
// about the queue contract without requiring a broker.
type Memory struct {
	workers  int
	handlers map[string]Handler
	onDrop   DropFunc

	mu    sync.Mutex
	locks map[string]time.Time // dedupe key -> lock expiry

	jobs chan Job
	now  func() time.Time
}

// NewMemory creates a queue with the given worker count, clamped to
// [1, 128].
func NewMemory(workers int) *Memory {
	if workers <= 0 {
		workers = 1
	}
	if workers > 128 {
		workers = 128
	}
	return &Memory{
		workers:  workers,
		handlers: make(map[string]Handler),
		locks:    make(map[string]time.Time),
		jobs:     make(chan Job, 256),
		now:      time.Now,
	}
}

var _ Queue = (*Memory)(nil)

// Register binds a handler to a job type. Must be called before Start.
func (q *Memory) Register(jobType string, h Handler) {
	q.handlers[jobType] = h
}

// OnDrop sets the retry-exhaustion hook. Must be called before Start.
func (q *Memory) OnDrop(fn DropFunc) { q.onDrop = fn }

// Enqueue accepts a job. A job whose dedupe key is still locked is a
// no-op, not an error: the outstanding job covers it.
func (q *Memory) Enqueue(ctx context.Context, job Job) error {
	if key := job.Options.DedupeKey; key != "" {
		if !q.acquireLock(key, job.Options.LockFor) {
			return nil
		}
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		q.releaseLock(job.Options.DedupeKey)
		return ctx.Err()
	default:
		q.releaseLock(job.Options.DedupeKey)
		return ErrQueueFull
	}
}

// Start runs the worker group until ctx is canceled. It returns after
// all workers have stopped.
func (q *Memory) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job := <-q.jobs:
					q.run(ctx, job)
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// run executes one job through its retry policy.
func (q *Memory) run(ctx context.Context, job Job) {
	defer q.releaseLock(job.Options.DedupeKey)

	h, ok := q.handlers[job.Type]
	if !ok {
		log.Printf("queue: no handler type=%s piece=%s", job.Type, job.MailPieceID)
		return
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = h(ctx, job)
		if err == nil {
			return
		}
		if !apperr.Retryable(err) || attempt >= job.Options.RetryLimit {
			break
		}
		d := backoffDelay(attempt, job.Options.RetryDelay, job.Options.Backoff)
		log.Printf("queue: retrying type=%s piece=%s attempt=%d delay=%s err=%v",
			job.Type, job.MailPieceID, attempt+1, d, err)
		if werr := SleepOrDone(ctx, d); werr != nil {
			err = werr
			break
		}
	}

	// A shutdown mid-job is not an exhaustion; the reconciliation sweep
	// rediscovers the piece on the next run.
	if errors.Is(err, context.Canceled) {
		return
	}
	if q.onDrop != nil {
		q.onDrop(job, err)
	}
}

// acquireLock reserves the dedupe key. It returns false when an
// unexpired lock already holds it.
func (q *Memory) acquireLock(key string, window time.Duration) bool {
	if window <= 0 {
		window = time.Hour
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	if until, held := q.locks[key]; held && now.Before(until) {
		return false
	}
	q.locks[key] = now.Add(window)
	return true
}

func (q *Memory) releaseLock(key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	delete(q.locks, key)
	q.mu.Unlock()
}
