package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/db"
	"github.com/cadencehq/cadence/internal/mail"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/worker"
)

// pipelineStore is an in-memory delivery store complete enough to run
// the whole path: materialize, dispatch, send, record.
type pipelineStore struct {
	mu         sync.Mutex
	sub        *db.Subscriber
	seq        *db.Sequence
	steps      map[uuid.UUID]*db.Step
	deliveries map[uuid.UUID]*db.Delivery
	byPair     map[string]uuid.UUID
}

func newPipelineStore(sub *db.Subscriber, seq *db.Sequence, steps []*db.Step) *pipelineStore {
	s := &pipelineStore{
		sub:        sub,
		seq:        seq,
		steps:      make(map[uuid.UUID]*db.Step),
		deliveries: make(map[uuid.UUID]*db.Delivery),
		byPair:     make(map[string]uuid.UUID),
	}
	for _, st := range steps {
		s.steps[st.ID] = st
	}
	return s
}

func (s *pipelineStore) InsertScheduled(_ context.Context, inserts []db.ScheduledInsert) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, in := range inserts {
		key := in.SubscriberID.String() + "/" + in.StepID.String()
		if _, ok := s.byPair[key]; ok {
			continue
		}
		d := &db.Delivery{
			ID:           uuid.New(),
			SubscriberID: in.SubscriberID,
			StepID:       in.StepID,
			Status:       db.DeliveryScheduled,
			ScheduledFor: in.ScheduledFor,
		}
		s.deliveries[d.ID] = d
		s.byPair[key] = d.ID
		count++
	}
	return count, nil
}

func (s *pipelineStore) DueDeliveries(_ context.Context, now time.Time, limit int) ([]*db.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*db.Delivery
	for _, d := range s.deliveries {
		if d.Status == db.DeliveryScheduled && !d.ScheduledFor.After(now) {
			copied := *d
			due = append(due, &copied)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (s *pipelineStore) RetryableDeliveries(_ context.Context, maxAttempts int) ([]*db.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []*db.Delivery
	for _, d := range s.deliveries {
		if d.Status == db.DeliveryFailed && d.Attempts < maxAttempts {
			copied := *d
			failed = append(failed, &copied)
		}
	}
	return failed, nil
}

func (s *pipelineStore) GetDetail(_ context.Context, id uuid.UUID) (*db.DeliveryDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &db.DeliveryDetail{
		Delivery:    *d,
		Subscriber:  *s.sub,
		Step:        *s.steps[d.StepID],
		Sequence:    *s.seq,
		ProjectName: "Acme",
	}, nil
}

func (s *pipelineStore) MarkPending(_ context.Context, id uuid.UUID) error {
	return s.transition(id, db.DeliveryPending, func(d *db.Delivery) {
		d.Attempts++
	})
}

func (s *pipelineStore) MarkSent(_ context.Context, id uuid.UUID, sentAt time.Time) error {
	return s.transition(id, db.DeliverySent, func(d *db.Delivery) {
		d.SentAt = &sentAt
	})
}

func (s *pipelineStore) MarkFailed(_ context.Context, id uuid.UUID, sendErr string) error {
	return s.transition(id, db.DeliveryFailed, func(d *db.Delivery) {
		d.LastError = &sendErr
	})
}

func (s *pipelineStore) MarkCancelled(_ context.Context, id uuid.UUID) error {
	return s.transition(id, db.DeliveryCancelled, nil)
}

func (s *pipelineStore) transition(id uuid.UUID, to db.DeliveryStatus, apply func(*db.Delivery)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return db.ErrNotFound
	}
	if !d.Status.CanTransition(to) {
		return db.ErrInvalidTransition
	}
	d.Status = to
	if apply != nil {
		apply(d)
	}
	return nil
}

func (s *pipelineStore) statuses() map[db.DeliveryStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[db.DeliveryStatus]int)
	for _, d := range s.deliveries {
		out[d.Status]++
	}
	return out
}

type countingSender struct {
	mu   sync.Mutex
	sent []*mail.Message
	fail bool
}

func (c *countingSender) Send(_ context.Context, msg *mail.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection refused")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *countingSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// End-to-end happy path: trigger a two-step sequence where step one is
// immediate and step two a day out, dispatch, and watch the first mail
// go out through the queue and worker while the second waits.
func TestPipelineTriggerToSent(t *testing.T) {
	first := "Ada"
	sub := &db.Subscriber{ID: uuid.New(), ProjectID: uuid.New(), Email: "ada@example.com", FirstName: &first, Status: db.SubscriberConfirmed}
	seq := testSequence(sub.ProjectID)
	steps := []*db.Step{testStep(seq.ID, 1, 0, 0), testStep(seq.ID, 2, 1, 0)}
	store := newPipelineStore(sub, seq, steps)

	logger := zap.NewNop()
	q := queue.NewMemory(16, logger)
	defer q.Close()

	sender := &countingSender{}
	w := worker.New(store, sender, worker.Config{
		FromAddress: "hello@acme.test",
		FromName:    "Acme",
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx, w.Handle, 2) }()

	s := New(&fakeSequenceStore{sequence: seq, steps: steps}, store, q, Config{}, logger)

	n, err := s.TriggerSequence(ctx, sub, db.TriggerSubscriberConfirmed, nil)
	if err != nil || n != 2 {
		t.Fatalf("trigger: n=%d err=%v", n, err)
	}

	// Only the immediate step is due; the day-out step stays behind.
	dispatched, err := s.DispatchDue(ctx)
	if err != nil || dispatched != 1 {
		t.Fatalf("dispatch: n=%d err=%v", dispatched, err)
	}

	deadline := time.After(3 * time.Second)
	for sender.count() < 1 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for send, statuses %v", store.statuses())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Let the MarkSent land
	time.Sleep(50 * time.Millisecond)

	got := store.statuses()
	if got[db.DeliverySent] != 1 || got[db.DeliveryScheduled] != 1 {
		t.Fatalf("statuses = %v, want 1 sent and 1 still scheduled", got)
	}
	if msg := sender.sent[0]; msg.To != "ada@example.com" {
		t.Errorf("mail sent to %s", msg.To)
	}

	// A second immediate dispatch finds nothing new
	dispatched, err = s.DispatchDue(ctx)
	if err != nil || dispatched != 0 {
		t.Fatalf("second dispatch: n=%d err=%v", dispatched, err)
	}
}

// Transport failure leaves deliveries failed with attempts counted, and
// the retry sweep picks them up.
func TestPipelineFailureFeedsRetrySweep(t *testing.T) {
	sub := &db.Subscriber{ID: uuid.New(), ProjectID: uuid.New(), Email: "ada@example.com", Status: db.SubscriberConfirmed}
	seq := testSequence(sub.ProjectID)
	steps := []*db.Step{testStep(seq.ID, 1, 0, 0)}
	store := newPipelineStore(sub, seq, steps)

	logger := zap.NewNop()
	q := queue.NewMemory(16, logger)
	defer q.Close()

	sender := &countingSender{fail: true}
	w := worker.New(store, sender, worker.Config{FromAddress: "hello@acme.test"}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx, w.Handle, 1) }()

	s := New(&fakeSequenceStore{sequence: seq, steps: steps}, store, q, Config{}, logger)

	if _, err := s.TriggerSequence(ctx, sub, db.TriggerSubscriberConfirmed, nil); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if _, err := s.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if got := store.statuses(); got[db.DeliveryFailed] == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for failure, statuses %v", store.statuses())
		case <-time.After(10 * time.Millisecond):
		}
	}

	producer := &fakeProducer{}
	c := NewRetryCoordinator(store, producer, 3, logger)
	n, err := c.ScheduleRetries(ctx)
	if err != nil {
		t.Fatalf("ScheduleRetries: %v", err)
	}
	if n != 1 {
		t.Fatalf("retries enqueued = %d, want 1", n)
	}
	if producer.jobs[0].delay != time.Minute {
		t.Errorf("retry delay = %v, want 1m after first failure", producer.jobs[0].delay)
	}
}
