// Package recon implements the payment reconciliation engine: the single
// idempotent entry point by which any trigger path marks a mail piece
// paid.
//
// Every trigger surface (client confirmation, payment webhook, scheduled
// sweep) funnels through MarkPaid. Concurrent and duplicate invocations
// are arbitrated by the store's compare-and-swap: exactly one caller
// observes Success, everyone else stands down without side effects.
package recon

import (
	"context"
	"errors"

	"github.com/postalq/mailflow/internal/metrics"
	"github.com/postalq/mailflow/internal/model"
	"github.com/postalq/mailflow/internal/store"
)

// Outcome classifies a MarkPaid invocation.
type Outcome string

const (
	// Success: this caller won the pending_payment -> paid transition and
	// must trigger submission scheduling.
	Success Outcome = "success"
	// AlreadyProcessed: the piece was paid before this call; no write
	// happened and submission must not be re-triggered.
	AlreadyProcessed Outcome = "already_processed"
	// RaceLost: a concurrent caller won the transition between our read
	// and write; no write happened and submission must not be
	// re-triggered.
	RaceLost Outcome = "race_condition"
	// NotFound: no such piece (or owner mismatch for user-origin calls).
	NotFound Outcome = "not_found"
)

// Input describes one mark-paid trigger. OwnerID is empty for
// system-origin calls, which match by ID alone; user-origin calls must
// match both.
type Input struct {
	MailPieceID      string
	OwnerID          string
	Source           model.Source
	Description      string
	PaymentReference string
	RawPayload       string
}

// Result is the outcome plus, on Success and AlreadyProcessed, the
// piece's current projection.
type Result struct {
	Outcome Outcome
	Piece   model.MailPiece
}

// Engine is the reconciliation engine.
type Engine struct {
	store store.Store
}

// New creates an engine over the given store.
func New(st store.Store) *Engine {
	if st == nil {
		panic("recon.New: nil store")
	}
	return &Engine{store: st}
}

// MarkPaid marks a mail piece paid, exactly once across all trigger
// paths. Only NotFound and I/O errors are real failures; AlreadyProcessed
// and RaceLost are idempotent successes.
func (e *Engine) MarkPaid(ctx context.Context, in Input) (Result, error) {
	res, err := e.markPaid(ctx, in)
	if err == nil {
		metrics.MarkPaidTotal.WithLabelValues(string(in.Source), string(res.Outcome)).Inc()
	}
	return res, err
}

func (e *Engine) markPaid(ctx context.Context, in Input) (Result, error) {
	var (
		p   model.MailPiece
		err error
	)
	if in.OwnerID != "" {
		p, err = e.store.GetByOwner(ctx, in.MailPieceID, in.OwnerID)
	} else {
		p, err = e.store.Get(ctx, in.MailPieceID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return Result{Outcome: NotFound}, nil
	}
	if err != nil {
		return Result{}, err
	}

	if p.PaymentStatus == model.PaymentPaid && p.Status == model.StatusPaid {
		return Result{Outcome: AlreadyProcessed, Piece: p}, nil
	}
	if p.ProviderID != "" {
		return Result{Outcome: AlreadyProcessed, Piece: p}, nil
	}

	entry := model.StatusHistoryEntry{
		Status:         model.StatusPaid,
		PreviousStatus: p.Status,
		Description:    in.Description,
		Source:         in.Source,
		RawPayload:     in.RawPayload,
	}
	updated, swapped, err := e.store.MarkPaid(ctx, p.ID, in.PaymentReference, entry)
	if err != nil {
		return Result{}, err
	}
	if !swapped {
		return Result{Outcome: RaceLost}, nil
	}
	return Result{Outcome: Success, Piece: updated}, nil
}
