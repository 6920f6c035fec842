// Package apperr classifies errors flowing through the pipeline.
//
// Domain packages define their own small error types carrying a
// classification kind; this package only knows how to extract it and map
// it to an HTTP status.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

// Error classification kinds.
const (
	KindNotFound           = "not_found"
	KindTransitionRejected = "transition_rejected"
	KindServiceUnavailable = "service_unavailable"
	KindTransientProvider  = "transient_provider"
	KindPermanentProvider  = "permanent_provider"
	KindPersistence        = "persistence"
	KindBadRequest         = "bad_request"
	KindTimeout            = "timeout"
	KindCanceled           = "canceled"
	KindInternal           = "internal"
)

// kinder is satisfied by domain errors that carry a classification kind.
type kinder interface {
	Kind() string
}

// Kind returns the classification of err, or "" for nil.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

var kindToStatus = map[string]int{
	KindNotFound:           http.StatusNotFound,
	KindTransitionRejected: http.StatusConflict,
	KindServiceUnavailable: http.StatusServiceUnavailable,
	KindTransientProvider:  http.StatusBadGateway,
	KindPermanentProvider:  http.StatusUnprocessableEntity,
	KindPersistence:        http.StatusInternalServerError,
	KindBadRequest:         http.StatusBadRequest,
	KindTimeout:            http.StatusGatewayTimeout,
	KindCanceled:           http.StatusRequestTimeout,
}

// HTTPStatus maps an error to a response status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if s, ok := kindToStatus[Kind(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a job failing with err should be retried by
// the queue. Permanent provider rejections, missing entities, and bad
// requests will not improve on retry.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindPermanentProvider, KindNotFound, KindBadRequest, KindTransitionRejected:
		return false
	}
	return true
}
