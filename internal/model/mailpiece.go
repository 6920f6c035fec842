// Package model defines the mail-piece domain types shared across the
// pipeline: the current-state projection, the append-only status history,
// and the status vocabulary.
package model

import "time"

// Status is the lifecycle state of a mail piece.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusSubmitted      Status = "submitted"
	StatusInTransit      Status = "in_transit"
	StatusDelivered      Status = "delivered"
	StatusReturned       Status = "returned"
	StatusFailed         Status = "failed"
)

// PaymentStatus tracks the payment side of a mail piece independently of
// its delivery lifecycle.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Source identifies which trigger path caused a status transition.
type Source string

const (
	SourceSystem   Source = "system"
	SourceUser     Source = "user"
	SourceWebhook  Source = "webhook"
	SourceClient   Source = "client"
	SourceProvider Source = "provider"
)

// MailPiece is the current projection of one physical-mail order.
//
// Status and PaymentStatus are only ever written through the store's
// conditional-update operations; there is no unconditional write path.
type MailPiece struct {
	ID               string        `json:"id"`
	OwnerID          string        `json:"owner_id"`
	Status           Status        `json:"status"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	PaymentReference string        `json:"payment_reference,omitempty"`
	ProviderID       string        `json:"provider_id,omitempty"`
	ProviderStatus   string        `json:"provider_status,omitempty"`
	TrackingNumber   string        `json:"tracking_number,omitempty"`
	CostCents        int64         `json:"cost_cents,omitempty"`

	// Submission payload. Address management happens upstream; these are
	// opaque here and only forwarded to the mail provider.
	ToAddress   string `json:"to_address,omitempty"`
	FromAddress string `json:"from_address,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Class       string `json:"class,omitempty"`

	RequiresManualReview bool      `json:"requires_manual_review,omitempty"`
	ReviewReason         string    `json:"review_reason,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// StatusHistoryEntry is one immutable audit record. Exactly one entry is
// written per accepted transition, in the same transaction as the
// projection update. Entries are never mutated or deleted.
type StatusHistoryEntry struct {
	ID             string    `json:"id"`
	MailPieceID    string    `json:"mail_piece_id"`
	Status         Status    `json:"status"`
	PreviousStatus Status    `json:"previous_status"`
	Description    string    `json:"description,omitempty"`
	Source         Source    `json:"source"`
	RawPayload     string    `json:"raw_payload,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
