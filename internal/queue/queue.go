// Package queue defines the background-job port used to hand paid mail
// pieces to the submission worker, plus an in-process implementation.
//
// Dedupe key, lock window, and retry policy travel with the job as data
// so that any durable queue can honor them; the rest of the pipeline only
// sees the Queue interface.
package queue

import (
	"context"
	"time"
)

// Options is the scheduling contract attached to a job.
type Options struct {
	// DedupeKey makes the job a singleton: while a job with the same key
	// is outstanding (or its lock window has not expired), further
	// enqueues are accepted as no-ops.
	DedupeKey string
	// LockFor is the dedupe lock window. Zero means one hour.
	LockFor time.Duration
	// RetryLimit caps execution attempts. Zero means no retries.
	RetryLimit int
	// RetryDelay is the base delay between execution attempts.
	RetryDelay time.Duration
	// Backoff doubles the delay after each attempt when set.
	Backoff bool
}

// Job is one unit of background work.
type Job struct {
	Type        string
	MailPieceID string
	OwnerID     string
	Options     Options
}

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler executes one job attempt.
type Handler func(ctx context.Context, job Job) error

// DropFunc is called once when a job has exhausted its retries. The job
// is never silently discarded.
type DropFunc func(job Job, err error)
