// Package submit hands paid mail pieces to the external provider exactly
// once: it validates readiness, enqueues a deduplicated background job,
// and executes that job through the circuit breaker.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/postalq/mailflow/internal/apperr"
	"github.com/postalq/mailflow/internal/breaker"
	"github.com/postalq/mailflow/internal/metrics"
	"github.com/postalq/mailflow/internal/model"
	"github.com/postalq/mailflow/internal/provider"
	"github.com/postalq/mailflow/internal/queue"
	"github.com/postalq/mailflow/internal/store"
)

// JobType is the queue job type for provider submission.
const JobType = "submit_mail"

// DedupeKey returns the singleton key for a piece's submission job.
func DedupeKey(mailPieceID string) string { return "submit-mail-" + mailPieceID }

// ErrNotReady reports a pre-submission validation failure: the piece is
// missing, unpaid, or already with the provider. Nothing is enqueued.
var ErrNotReady = errors.New("mail piece not ready for submission")

type writeFailedError struct {
	pieceID    string
	providerID string
	err        error
}

func (e *writeFailedError) Error() string {
	return fmt.Sprintf("provider accepted %s for piece %s but the local write failed: %v",
		e.providerID, e.pieceID, e.err)
}
func (*writeFailedError) Kind() string    { return apperr.KindPermanentProvider }
func (e *writeFailedError) Unwrap() error { return e.err }

// Config tunes the orchestrator. Zero values take the defaults.
type Config struct {
	// EnqueueRetries is the attempt count for the enqueue call itself,
	// distinct from the job's execution retries. Default 3.
	EnqueueRetries int
	// EnqueueBaseDelay is the first enqueue backoff step, doubling and
	// capped afterwards. Default 100ms.
	EnqueueBaseDelay time.Duration
	// LockWindow is the dedupe lock duration. Default and minimum 1h.
	LockWindow time.Duration
	// ExecRetryLimit and ExecRetryDelay form the job's own retry policy,
	// carried as data on the enqueued job. Defaults 5 and 30s.
	ExecRetryLimit int
	ExecRetryDelay time.Duration
}

func (c *Config) defaults() {
	if c.EnqueueRetries <= 0 {
		c.EnqueueRetries = 3
	}
	if c.EnqueueBaseDelay <= 0 {
		c.EnqueueBaseDelay = 100 * time.Millisecond
	}
	if c.LockWindow < time.Hour {
		c.LockWindow = time.Hour
	}
	if c.ExecRetryLimit <= 0 {
		c.ExecRetryLimit = 5
	}
	if c.ExecRetryDelay <= 0 {
		c.ExecRetryDelay = 30 * time.Second
	}
}

// Orchestrator schedules and executes provider submissions.
type Orchestrator struct {
	store    store.Store
	queue    queue.Queue
	provider provider.Client
	br       *breaker.Breaker
	cfg      Config
}

// New wires the orchestrator. The breaker is the shared instance
// protecting the mail provider.
func New(st store.Store, q queue.Queue, pc provider.Client, br *breaker.Breaker, cfg Config) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{store: st, queue: q, provider: pc, br: br, cfg: cfg}
}

// Schedule validates the piece and enqueues its submission job.
//
// The enqueue call is retried with exponential backoff because failing to
// enqueue is operationally worse than a slow enqueue. After exhaustion
// the piece is flagged for manual review and the error is returned;
// callers must treat that as non-fatal to the triggering request.
func (o *Orchestrator) Schedule(ctx context.Context, mailPieceID, ownerID string) error {
	p, err := o.store.Get(ctx, mailPieceID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s does not exist", ErrNotReady, mailPieceID)
	}
	if err != nil {
		return err
	}
	if p.ProviderID != "" {
		return fmt.Errorf("%w: %s already with provider %s", ErrNotReady, p.ID, p.ProviderID)
	}
	if p.PaymentStatus != model.PaymentPaid {
		return fmt.Errorf("%w: %s payment status is %s", ErrNotReady, p.ID, p.PaymentStatus)
	}

	job := queue.Job{
		Type:        JobType,
		MailPieceID: p.ID,
		OwnerID:     ownerID,
		Options: queue.Options{
			DedupeKey:  DedupeKey(p.ID),
			LockFor:    o.cfg.LockWindow,
			RetryLimit: o.cfg.ExecRetryLimit,
			RetryDelay: o.cfg.ExecRetryDelay,
			Backoff:    true,
		},
	}

	delay := o.cfg.EnqueueBaseDelay
	for attempt := 1; ; attempt++ {
		err = o.queue.Enqueue(ctx, job)
		if err == nil {
			return nil
		}
		if attempt >= o.cfg.EnqueueRetries {
			break
		}
		log.Printf("submit: enqueue retry piece=%s attempt=%d err=%v", p.ID, attempt, err)
		if werr := queue.SleepOrDone(ctx, delay); werr != nil {
			err = werr
			break
		}
		delay = min(delay*2, 2*time.Second)
	}

	log.Printf("CRITICAL submit: enqueue exhausted piece=%s err=%v", p.ID, err)
	o.flagReview(ctx, p.ID, "submission enqueue failed: "+err.Error())
	return fmt.Errorf("enqueue submission for %s: %w", p.ID, err)
}

// Execute runs one submission job attempt. It is re-entrant: a re-run
// after cancellation or timeout re-validates against the store before
// touching the provider.
func (o *Orchestrator) Execute(ctx context.Context, job queue.Job) error {
	p, err := o.store.Get(ctx, job.MailPieceID)
	if err != nil {
		return err
	}
	if p.ProviderID != "" {
		// Provider already accepted this piece; nothing to do.
		return nil
	}
	if p.PaymentStatus != model.PaymentPaid {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %s payment status is %s", ErrNotReady, p.ID, p.PaymentStatus)
	}

	var sub provider.Submission
	err = o.br.Do(ctx, func(ctx context.Context) error {
		s, err := o.provider.Submit(ctx, provider.SubmitRequest{
			To:          p.ToAddress,
			From:        p.FromAddress,
			DocumentURL: p.DocumentURL,
			Kind:        p.Kind,
			Class:       p.Class,
		})
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("provider_error").Inc()
		return err
	}

	entry := model.StatusHistoryEntry{
		Status:         model.StatusSubmitted,
		PreviousStatus: p.Status,
		Description:    "accepted by mail provider",
		Source:         model.SourceSystem,
	}
	_, ok, err := o.store.MarkSubmitted(ctx, p.ID, store.Submission{
		ProviderID:     sub.ProviderID,
		ProviderStatus: sub.Status,
		TrackingNumber: sub.TrackingNumber,
		CostCents:      sub.CostCents,
	}, entry)
	if err != nil {
		// The provider holds an accepted piece we failed to record. A
		// blind retry could mail the document twice, so stop the queue
		// and flag the piece for reconciliation by provider ID.
		werr := &writeFailedError{pieceID: p.ID, providerID: sub.ProviderID, err: err}
		log.Printf("CRITICAL submit: %v", werr)
		o.flagReview(ctx, p.ID, werr.Error())
		metrics.SubmissionsTotal.WithLabelValues("write_failed").Inc()
		return werr
	}
	if !ok {
		// Another writer recorded a submission between our read and
		// write. The dedupe key should prevent this; treat it as done.
		log.Printf("submit: lost mark-submitted race piece=%s provider=%s", p.ID, sub.ProviderID)
		return nil
	}
	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	log.Printf("submit: accepted piece=%s provider=%s tracking=%s cost_cents=%d",
		p.ID, sub.ProviderID, sub.TrackingNumber, sub.CostCents)
	return nil
}

// HandleExhausted is the queue's drop hook: the job ran out of retries.
// The piece stays paid and un-submitted, flagged instead of dropped.
func (o *Orchestrator) HandleExhausted(job queue.Job, err error) {
	log.Printf("CRITICAL submit: retries exhausted piece=%s err=%v", job.MailPieceID, err)
	o.flagReview(context.Background(), job.MailPieceID, "submission retries exhausted: "+err.Error())
}

func (o *Orchestrator) flagReview(ctx context.Context, id, reason string) {
	metrics.ManualReviewTotal.Inc()
	if ferr := o.store.FlagManualReview(ctx, id, reason); ferr != nil {
		log.Printf("CRITICAL submit: flag manual review piece=%s err=%v", id, ferr)
	}
}
