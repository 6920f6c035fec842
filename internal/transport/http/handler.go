// Package httptransport implements the HTTP trigger surfaces: the client
// payment confirmation, the payment and provider webhooks, and the piece
// lookup. The surfaces stay thin adapters over the reconciliation engine
// and the state store.
package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/postalq/mailflow/internal/model"
	"github.com/postalq/mailflow/internal/recon"
	"github.com/postalq/mailflow/internal/store"
)

// payMarker is the slice of the reconciliation engine the handlers use.
type payMarker interface {
	MarkPaid(ctx context.Context, in recon.Input) (recon.Result, error)
}

// scheduler is the slice of the submission orchestrator the handlers use.
type scheduler interface {
	Schedule(ctx context.Context, mailPieceID, ownerID string) error
}

// Handler wires the trigger surfaces to the engine and store.
type Handler struct {
	marker         payMarker
	sched          scheduler
	pieces         store.Store
	requestTimeout time.Duration
}

// New returns a Handler. It panics on nil dependencies. A non-positive
// timeout falls back to 10s.
func New(marker payMarker, sched scheduler, pieces store.Store, requestTimeout time.Duration) *Handler {
	if marker == nil || sched == nil || pieces == nil {
		panic("httptransport.New: nil dependency")
	}
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Handler{marker: marker, sched: sched, pieces: pieces, requestTimeout: requestTimeout}
}

// Register mounts all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /payments/confirm", h.HandleConfirm)
	mux.HandleFunc("POST /webhooks/payment", h.HandlePaymentWebhook)
	mux.HandleFunc("POST /webhooks/mail", h.HandleMailWebhook)
	mux.HandleFunc("GET /pieces/{id}", h.HandleGetPiece)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
}

// HandleConfirm is the user-facing payment confirmation. The caller must
// own the piece. Idempotent outcomes answer 200 "acknowledged"; only a
// missing piece is an error.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MailPieceID == "" || req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "mail_piece_id and owner_id are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	h.markPaid(ctx, w, recon.Input{
		MailPieceID:      req.MailPieceID,
		OwnerID:          req.OwnerID,
		Source:           model.SourceClient,
		Description:      "payment confirmed by client",
		PaymentReference: req.PaymentReference,
	})
}

// HandlePaymentWebhook is the gateway's asynchronous notification. It is
// system-origin: no owner match, and duplicate deliveries are
// acknowledged without effect.
func (h *Handler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req PaymentWebhookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MailPieceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "mail_piece_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	h.markPaid(ctx, w, recon.Input{
		MailPieceID:      req.MailPieceID,
		Source:           model.SourceWebhook,
		Description:      "payment webhook received",
		PaymentReference: req.PaymentReference,
		RawPayload:       req.RawPayload,
	})
}

// markPaid runs the engine and shapes the response. RaceLost and
// AlreadyProcessed never surface as errors: the payment did succeed.
func (h *Handler) markPaid(ctx context.Context, w http.ResponseWriter, in recon.Input) {
	res, err := h.marker.MarkPaid(ctx, in)
	if err != nil {
		writeErr(w, err)
		return
	}

	switch res.Outcome {
	case recon.NotFound:
		writeError(w, http.StatusNotFound, "not_found", "mail piece not found")
	case recon.Success:
		// This caller owns the side effect. Enqueue failure is non-fatal:
		// the piece is flagged and the sweep is the safety net.
		_ = h.sched.Schedule(ctx, res.Piece.ID, res.Piece.OwnerID)
		writeJSON(w, http.StatusOK, AckResponse{Status: "ok", Piece: &res.Piece})
	default:
		writeJSON(w, http.StatusOK, AckResponse{Status: "acknowledged"})
	}
}

// HandleMailWebhook receives provider tracking callbacks. The raw status
// is mapped to the internal vocabulary, a same-status update is a no-op,
// and an illegal edge is rejected without a write.
func (h *Handler) HandleMailWebhook(w http.ResponseWriter, r *http.Request) {
	var req MailWebhookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProviderID == "" || req.RawStatus == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "provider_id and raw_status are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	p, err := h.pieces.GetByProviderID(ctx, req.ProviderID)
	if err != nil {
		writeErr(w, err)
		return
	}

	to := model.MapProviderStatus(req.RawStatus)
	if to == p.Status {
		writeJSON(w, http.StatusOK, AckResponse{Status: "acknowledged"})
		return
	}
	if !model.CanTransition(p.Status, to) {
		writeError(w, http.StatusConflict, "transition_rejected",
			"cannot move "+string(p.Status)+" to "+string(to))
		return
	}

	entry := model.StatusHistoryEntry{
		Status:         to,
		PreviousStatus: p.Status,
		Description:    "provider status update: " + req.RawStatus,
		Source:         model.SourceProvider,
		RawPayload:     req.RawPayload,
	}
	ok, err := h.pieces.UpdateStatus(ctx, p.ID, p.Status, to, store.StatusUpdate{
		ProviderStatus: req.RawStatus,
		TrackingNumber: req.TrackingNumber,
	}, entry)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		// A concurrent delivery moved the piece first; this one carries
		// no new information.
		writeJSON(w, http.StatusOK, AckResponse{Status: "acknowledged"})
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Status: "ok"})
}

// HandleGetPiece returns the current projection of one mail piece.
func (h *Handler) HandleGetPiece(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	p, err := h.pieces.Get(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody decodes a JSON body strictly, rejecting unknown fields and
// trailing garbage. It writes the error response itself and reports
// whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return false
	}
	return true
}
