package httptransport

import "github.com/postalq/mailflow/internal/model"

// ConfirmRequest is the user-facing payment confirmation payload.
type ConfirmRequest struct {
	MailPieceID      string `json:"mail_piece_id"`
	OwnerID          string `json:"owner_id"`
	PaymentReference string `json:"payment_reference,omitempty"`
}

// PaymentWebhookRequest is the gateway's asynchronous notification.
type PaymentWebhookRequest struct {
	MailPieceID      string `json:"mail_piece_id"`
	PaymentReference string `json:"payment_reference,omitempty"`
	RawPayload       string `json:"raw_payload,omitempty"`
}

// MailWebhookRequest is the provider's tracking callback.
type MailWebhookRequest struct {
	ProviderID     string `json:"provider_id"`
	RawStatus      string `json:"raw_status"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	RawPayload     string `json:"raw_payload,omitempty"`
}

// AckResponse is the uniform trigger-surface response. Idempotent
// duplicates answer "acknowledged"; the winning call answers "ok" with
// the updated piece.
type AckResponse struct {
	Status string           `json:"status"` // "ok" | "acknowledged"
	Piece  *model.MailPiece `json:"piece,omitempty"`
}

// ErrorResponse describes a rejected request.
type ErrorResponse struct {
	Status string        `json:"status"` // always "error"
	Error  *ErrorPayload `json:"error"`
}

// ErrorPayload carries the error classification.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}
