package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory is an in-process job queue. Delayed jobs sit on a timer until
// due, then land on a buffered channel the consumers read from. Jobs do
// not survive a restart; production deployments use the SQS backend.
type Memory struct {
	jobs   chan Job
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewMemory creates an in-process queue with the given buffer size.
func NewMemory(buffer int, logger *zap.Logger) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{
		jobs:   make(chan Job, buffer),
		logger: logger,
	}
}

// Enqueue adds a job, delivered after delay.
func (m *Memory) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("memory queue is closed")
	}
	m.mu.Unlock()

	job.EnqueuedAt = time.Now().UnixNano()

	if delay <= 0 {
		select {
		case m.jobs <- job:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		select {
		case m.jobs <- job:
		default:
			m.logger.Warn("memory queue full, dropping delayed job",
				zap.String("delivery_id", job.DeliveryID.String()),
			)
		}
	})

	return nil
}

// Run consumes jobs with the given concurrency until ctx is cancelled.
// Handler errors are logged and the job is dropped; the retry
// coordinator picks failed deliveries back up from the store.
func (m *Memory) Run(ctx context.Context, handler Handler, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-m.jobs:
					if err := handler(ctx, job); err != nil {
						m.logger.Warn("job handler failed",
							zap.String("delivery_id", job.DeliveryID.String()),
							zap.Error(err),
						)
					}
				}
			}
		}()
	}

	wg.Wait()
	return nil
}

// Close stops accepting new jobs.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
