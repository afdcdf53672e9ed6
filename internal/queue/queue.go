// Package queue carries delivery jobs from the scheduler to the worker
// pool. Backends: an in-process delayed queue for development and tests,
// and SQS for durable cross-process dispatch.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is one unit of delivery work. The payload is just the delivery id;
// the worker reloads full state from the store so a stale job can never
// resend something already delivered.
type Job struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt int64     `json:"enqueued_at"`
}

// Handler processes one job. A non-nil error tells the backend to apply
// its own redelivery policy (SQS visibility timeout, memory requeue
// none).
type Handler func(ctx context.Context, job Job) error

// Producer enqueues delivery jobs, optionally delayed.
type Producer interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
}

// Consumer feeds jobs to a handler with the given concurrency until the
// context is cancelled.
type Consumer interface {
	Run(ctx context.Context, handler Handler, concurrency int) error
}
