// Package provider talks to the external physical-mail provider. The
// pipeline consumes the Client interface; the HTTP implementation is a
// thin wrapper around the provider's submission and status endpoints.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/postalq/mailflow/internal/apperr"
)

// SubmitRequest is the payload handed to the provider.
type SubmitRequest struct {
	To          string `json:"to"`
	From        string `json:"from"`
	DocumentURL string `json:"document_url"`
	Kind        string `json:"kind"`
	Class       string `json:"class"`
}

// Submission is the provider's acceptance.
type Submission struct {
	ProviderID     string `json:"provider_id"`
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number"`
	CostCents      int64  `json:"cost_cents"`
}

// Event is one entry in the provider's tracking timeline.
type Event struct {
	Status      string    `json:"status"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

// PieceStatus is the provider's view of an accepted piece.
type PieceStatus struct {
	Status         string  `json:"status"`
	TrackingNumber string  `json:"tracking_number"`
	Events         []Event `json:"events"`
}

// Client submits mail pieces and reads their provider-side status.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (Submission, error)
	GetStatus(ctx context.Context, providerID string) (PieceStatus, error)
}

// TransientError covers network failures, timeouts, 429s, and 5xx
// responses: the call may succeed on retry.
type TransientError struct{ Msg string }

func (e *TransientError) Error() string { return e.Msg }
func (*TransientError) Kind() string    { return apperr.KindTransientProvider }

// PermanentError covers 4xx validation rejections: retrying the same
// payload cannot succeed.
type PermanentError struct {
	StatusCode int
	Msg        string
}

func (e *PermanentError) Error() string { return e.Msg }
func (*PermanentError) Kind() string    { return apperr.KindPermanentProvider }

// HTTPClient is the live provider client with a 30s request timeout.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTP(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) Submit(ctx context.Context, sr SubmitRequest) (Submission, error) {
	body, err := json.Marshal(sr)
	if err != nil {
		return Submission{}, &PermanentError{Msg: "provider: encode request: " + err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/mail", bytes.NewReader(body))
	if err != nil {
		return Submission{}, &TransientError{Msg: "provider: build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Submission{}, &TransientError{Msg: "provider: " + err.Error()}
	}
	defer resp.Body.Close()

	if err := classify(resp.StatusCode, "submit"); err != nil {
		return Submission{}, err
	}

	var sub Submission
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return Submission{}, &TransientError{Msg: "provider: decode: " + err.Error()}
	}
	if sub.ProviderID == "" {
		return Submission{}, &TransientError{Msg: "provider: accepted without an id"}
	}
	return sub, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, providerID string) (PieceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/mail/"+providerID, nil)
	if err != nil {
		return PieceStatus{}, &TransientError{Msg: "provider: build request: " + err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return PieceStatus{}, &TransientError{Msg: "provider: " + err.Error()}
	}
	defer resp.Body.Close()

	if err := classify(resp.StatusCode, "status"); err != nil {
		return PieceStatus{}, err
	}

	var st PieceStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return PieceStatus{}, &TransientError{Msg: "provider: decode: " + err.Error()}
	}
	return st, nil
}

// classify maps a response code to the retry taxonomy. 2xx is success,
// 429 and 5xx are transient, any other 4xx is a permanent rejection.
func classify(code int, op string) error {
	switch {
	case code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &TransientError{Msg: fmt.Sprintf("provider: %s status %d", op, code)}
	default:
		return &PermanentError{StatusCode: code, Msg: fmt.Sprintf("provider: %s rejected with status %d", op, code)}
	}
}
