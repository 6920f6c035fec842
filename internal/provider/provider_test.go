package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/postalq/mailflow/internal/apperr"
)

func TestSubmitSuccess(t *testing.T) {
	t.Parallel()

	var got SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/mail" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"provider_id":"prov-1","status":"processing","tracking_number":"TRK1","cost_cents":245}`))
	}))
	t.Cleanup(srv.Close)

	c := NewHTTP(srv.URL)
	sub, err := c.Submit(context.Background(), SubmitRequest{
		To:          "addr-to",
		From:        "addr-from",
		DocumentURL: "https://docs.example/d1.pdf",
		Kind:        "letter",
		Class:       "first",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.ProviderID != "prov-1" || sub.TrackingNumber != "TRK1" || sub.CostCents != 245 {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if got.To != "addr-to" || got.Kind != "letter" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestSubmitMissingProviderID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"processing"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTP(srv.URL).Submit(context.Background(), SubmitRequest{})
	if apperr.Kind(err) != apperr.KindTransientProvider {
		t.Fatalf("expected transient_provider, got %s: %v", apperr.Kind(err), err)
	}
}

var classifyTests = []struct {
	name     string
	code     int
	wantKind string
}{
	{name: "ok", code: http.StatusOK, wantKind: ""},
	{name: "created", code: http.StatusCreated, wantKind: ""},
	{name: "bad_request", code: http.StatusBadRequest, wantKind: apperr.KindPermanentProvider},
	{name: "unprocessable", code: http.StatusUnprocessableEntity, wantKind: apperr.KindPermanentProvider},
	{name: "rate_limited", code: http.StatusTooManyRequests, wantKind: apperr.KindTransientProvider},
	{name: "server_error", code: http.StatusInternalServerError, wantKind: apperr.KindTransientProvider},
	{name: "bad_gateway", code: http.StatusBadGateway, wantKind: apperr.KindTransientProvider},
}

func TestClassify(t *testing.T) {
	t.Parallel()

	for _, tt := range classifyTests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := classify(tt.code, "submit")
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if apperr.Kind(err) != tt.wantKind {
				t.Fatalf("classify(%d) kind = %s, want %s", tt.code, apperr.Kind(err), tt.wantKind)
			}
		})
	}
}

func TestSubmitRejectionCarriesStatusCode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTP(srv.URL).Submit(context.Background(), SubmitRequest{})
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if perm.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status code: %d", perm.StatusCode)
	}
	if apperr.Retryable(err) {
		t.Fatal("validation rejection must not be retryable")
	}
}

func TestSubmitNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	_, err := NewHTTP(srv.URL).Submit(context.Background(), SubmitRequest{})
	if apperr.Kind(err) != apperr.KindTransientProvider {
		t.Fatalf("expected transient_provider, got %s: %v", apperr.Kind(err), err)
	}
	if !apperr.Retryable(err) {
		t.Fatal("network error must be retryable")
	}
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/mail/prov-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "in_transit",
			"tracking_number": "TRK1",
			"events": [{"status": "processing", "description": "accepted"}]
		}`))
	}))
	t.Cleanup(srv.Close)

	st, err := NewHTTP(srv.URL).GetStatus(context.Background(), "prov-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if st.Status != "in_transit" || st.TrackingNumber != "TRK1" || len(st.Events) != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}
