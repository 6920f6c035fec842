// Package gateway talks to the external payment gateway. The pipeline
// only consumes the Client interface; the HTTP implementation stays a
// thin wrapper around the gateway's status endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/postalq/mailflow/internal/apperr"
	"github.com/postalq/mailflow/internal/breaker"
)

// Reference kinds the gateway knows about. A stored reference does not
// say which kind it is, so verification tries both.
const (
	KindIntent  = "intent"
	KindSession = "session"
)

// Verification is the gateway's authoritative answer for one payment
// reference.
type Verification struct {
	IsPaid    bool   `json:"is_paid"`
	RawStatus string `json:"raw_status"`
	Kind      string `json:"kind"`
}

// Client verifies payment references against the gateway.
type Client interface {
	VerifyPaymentStatus(ctx context.Context, reference string) (Verification, error)
}

type transientError struct{ msg string }

func (e transientError) Error() string { return e.msg }
func (transientError) Kind() string    { return apperr.KindTransientProvider }

type refNotFoundError struct{ ref string }

func (e refNotFoundError) Error() string { return "payment reference not found: " + e.ref }
func (refNotFoundError) Kind() string    { return apperr.KindNotFound }

// HTTPClient is the live gateway client. Calls go through the shared
// circuit breaker when one is configured.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	br      *breaker.Breaker
}

// NewHTTP creates a gateway client with a 30s request timeout.
func NewHTTP(baseURL string, br *breaker.Breaker) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		br:      br,
	}
}

var _ Client = (*HTTPClient)(nil)

// VerifyPaymentStatus resolves the reference as a payment intent first
// and falls back to a checkout session; it fails only when both kinds
// miss.
func (c *HTTPClient) VerifyPaymentStatus(ctx context.Context, reference string) (Verification, error) {
	var out Verification
	call := func(ctx context.Context) error {
		v, err := c.lookup(ctx, "intents", reference, KindIntent)
		if err == nil {
			out = v
			return nil
		}
		if apperr.Kind(err) != apperr.KindNotFound {
			return err
		}
		v, err = c.lookup(ctx, "sessions", reference, KindSession)
		if err != nil {
			return err
		}
		out = v
		return nil
	}
	if c.br != nil {
		if err := c.br.Do(ctx, call); err != nil {
			return Verification{}, err
		}
		return out, nil
	}
	if err := call(ctx); err != nil {
		return Verification{}, err
	}
	return out, nil
}

func (c *HTTPClient) lookup(ctx context.Context, path, reference, kind string) (Verification, error) {
	url := fmt.Sprintf("%s/v1/%s/%s", c.baseURL, path, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Verification{}, transientError{msg: "gateway: build request: " + err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Verification{}, transientError{msg: "gateway: " + err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Verification{}, refNotFoundError{ref: reference}
	case resp.StatusCode >= 400:
		return Verification{}, transientError{msg: fmt.Sprintf("gateway: %s status %d", path, resp.StatusCode)}
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Verification{}, transientError{msg: "gateway: decode: " + err.Error()}
	}
	return Verification{
		IsPaid:    paidStatus(body.Status),
		RawStatus: body.Status,
		Kind:      kind,
	}, nil
}

// paidStatus maps the gateway's settled vocabulary to a boolean.
func paidStatus(s string) bool {
	switch s {
	case "succeeded", "paid", "complete":
		return true
	}
	return false
}
