// Package sweep heals mail pieces stuck in pending_payment because a
// payment webhook was dropped or delayed. On a fixed schedule it asks the
// gateway for the authoritative status of each stuck piece and re-drives
// the reconciliation engine for the paid ones.
package sweep

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postalq/mailflow/internal/gateway"
	"github.com/postalq/mailflow/internal/metrics"
	"github.com/postalq/mailflow/internal/model"
	"github.com/postalq/mailflow/internal/recon"
	"github.com/postalq/mailflow/internal/store"
)

// payMarker is the slice of the reconciliation engine the sweep needs.
type payMarker interface {
	MarkPaid(ctx context.Context, in recon.Input) (recon.Result, error)
}

// scheduler is the slice of the submission orchestrator the sweep needs.
type scheduler interface {
	Schedule(ctx context.Context, mailPieceID, ownerID string) error
}

// Report aggregates one sweep run. Per-item failures are counted, never
// propagated.
type Report struct {
	TotalChecked int `json:"total_checked"`
	Verified     int `json:"verified"`
	Errored      int `json:"errored"`
}

// Config tunes the sweep. Zero values take the defaults.
type Config struct {
	// Lookback bounds how old a stuck piece may be. Default 24h.
	Lookback time.Duration
	// Limit caps pieces per run. Default 100.
	Limit int
	// Concurrency bounds parallel gateway lookups. Default 4.
	Concurrency int
}

func (c *Config) defaults() {
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	if c.Limit <= 0 {
		c.Limit = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Sweeper re-verifies stuck payments against the gateway.
type Sweeper struct {
	store   store.Store
	gateway gateway.Client
	marker  payMarker
	sched   scheduler
	cfg     Config
}

// New wires a sweeper.
func New(st store.Store, gw gateway.Client, marker payMarker, sched scheduler, cfg Config) *Sweeper {
	cfg.defaults()
	return &Sweeper{store: st, gateway: gw, marker: marker, sched: sched, cfg: cfg}
}

// Run executes one sweep. Errors for one piece never abort the others;
// the returned error covers only the stuck-piece listing itself.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	pieces, err := s.store.ListStuckPending(ctx, s.cfg.Lookback, s.cfg.Limit)
	if err != nil {
		return Report{}, err
	}

	var (
		mu     sync.Mutex
		report = Report{TotalChecked: len(pieces)}
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, p := range pieces {
		p := p
		g.Go(func() error {
			verified, err := s.sweepOne(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errored++
				log.Printf("sweep: piece=%s err=%v", p.ID, err)
			} else if verified {
				report.Verified++
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.SweepCheckedTotal.Add(float64(report.TotalChecked))
	metrics.SweepVerifiedTotal.Add(float64(report.Verified))
	metrics.SweepErroredTotal.Add(float64(report.Errored))
	return report, nil
}

// sweepOne verifies one stuck piece. It reports true when the piece was
// confirmed paid and marked by this run.
func (s *Sweeper) sweepOne(ctx context.Context, p model.MailPiece) (bool, error) {
	v, err := s.gateway.VerifyPaymentStatus(ctx, p.PaymentReference)
	if err != nil {
		return false, err
	}
	if !v.IsPaid {
		return false, nil
	}

	res, err := s.marker.MarkPaid(ctx, recon.Input{
		MailPieceID:      p.ID,
		Source:           model.SourceSystem,
		Description:      "payment verified by reconciliation sweep (" + v.Kind + ": " + v.RawStatus + ")",
		PaymentReference: p.PaymentReference,
	})
	if err != nil {
		return false, err
	}
	if res.Outcome != recon.Success {
		// Another trigger path got there first; it owns the submission.
		return false, nil
	}

	if err := s.sched.Schedule(ctx, p.ID, p.OwnerID); err != nil {
		// The piece is paid and flagged by the orchestrator; the next
		// run or an operator picks it up.
		log.Printf("sweep: schedule piece=%s err=%v", p.ID, err)
	}
	return true, nil
}

// RunEvery drives Run on a fixed interval until ctx is done.
func (s *Sweeper) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			report, err := s.Run(ctx)
			if err != nil {
				log.Printf("sweep: run failed err=%v", err)
				continue
			}
			log.Printf("sweep: checked=%d verified=%d errored=%d",
				report.TotalChecked, report.Verified, report.Errored)
		}
	}
}
