// Package store is the mail-piece state store: the current projection of
// each piece plus its append-only status history.
//
// The projection row is the unit of mutual exclusion. Every status write
// is a conditional update whose WHERE clause re-checks the expected prior
// state, and every accepted update appends exactly one history entry in
// the same transaction. There is no unconditional write path.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/postalq/mailflow/internal/apperr"
	"github.com/postalq/mailflow/internal/model"
)

// Submission carries the provider's acceptance of a mail piece.
type Submission struct {
	ProviderID     string
	ProviderStatus string
	TrackingNumber string
	CostCents      int64
}

// StatusUpdate carries optional projection fields refreshed by a
// provider-driven transition. Empty fields keep their current value.
type StatusUpdate struct {
	ProviderStatus string
	TrackingNumber string
}

// Store persists mail pieces and their status history.
//
// MarkPaid, MarkSubmitted, and UpdateStatus are compare-and-swap
// operations: they report swapped=false (no error) when the row no
// longer matched the expected prior state at write time.
type Store interface {
	Create(ctx context.Context, p model.MailPiece) error
	Get(ctx context.Context, id string) (model.MailPiece, error)
	GetByOwner(ctx context.Context, id, ownerID string) (model.MailPiece, error)
	GetByProviderID(ctx context.Context, providerID string) (model.MailPiece, error)

	// MarkPaid sets paymentStatus=paid and status=paid if and only if the
	// row still holds paymentStatus=pending, status=pending_payment, and
	// no provider ID. A non-empty paymentRef is recorded; an empty one
	// keeps the stored reference.
	MarkPaid(ctx context.Context, id, paymentRef string, entry model.StatusHistoryEntry) (model.MailPiece, bool, error)

	// MarkSubmitted records provider acceptance and moves the piece to
	// submitted, conditional on the row still holding no provider ID and
	// paymentStatus=paid.
	MarkSubmitted(ctx context.Context, id string, sub Submission, entry model.StatusHistoryEntry) (model.MailPiece, bool, error)

	// UpdateStatus moves the piece from one status to another,
	// conditional on the row still holding status=from. Callers are
	// responsible for checking the transition table first.
	UpdateStatus(ctx context.Context, id string, from, to model.Status, upd StatusUpdate, entry model.StatusHistoryEntry) (bool, error)

	// FlagManualReview marks the piece for operator attention. It never
	// touches status or paymentStatus.
	FlagManualReview(ctx context.Context, id, reason string) error

	// ListStuckPending returns pieces stuck in pending_payment with a
	// payment reference, created within the lookback window.
	ListStuckPending(ctx context.Context, lookback time.Duration, limit int) ([]model.MailPiece, error)

	History(ctx context.Context, id string) ([]model.StatusHistoryEntry, error)
}

type notFoundError struct{ id string }

func (e notFoundError) Error() string { return "mail piece not found: " + e.id }
func (notFoundError) Kind() string    { return apperr.KindNotFound }

// ErrNotFound reports a missing mail piece. Lookups wrap it with the
// requested ID; match with errors.Is.
var ErrNotFound error = notFoundError{id: "?"}

func (e notFoundError) Is(target error) bool {
	_, ok := target.(notFoundError)
	return ok
}

// NotFound returns a not-found error for the given piece ID.
func NotFound(id string) error { return notFoundError{id: id} }

type persistError struct {
	op  string
	err error
}

func (e persistError) Error() string { return fmt.Sprintf("store: %s: %v", e.op, e.err) }
func (persistError) Kind() string    { return apperr.KindPersistence }
func (e persistError) Unwrap() error { return e.err }
