package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/db"
	"github.com/cadencehq/cadence/internal/queue"
)

type fakeSequenceStore struct {
	sequence *db.Sequence
	steps    []*db.Step
	err      error
}

func (f *fakeSequenceStore) ActiveSequenceByTrigger(_ context.Context, _ uuid.UUID, _ db.TriggerKind, _ *uuid.UUID) (*db.Sequence, error) {
	return f.sequence, f.err
}

func (f *fakeSequenceStore) ActiveSteps(_ context.Context, _ uuid.UUID) ([]*db.Step, error) {
	if f.err != nil {
		return nil, f.err
	}
	var active []*db.Step
	for _, s := range f.steps {
		if s.Status == db.StepActive {
			active = append(active, s)
		}
	}
	return active, nil
}

// fakeDeliveryStore mimics the insert-or-ignore semantics of the real
// repository: a (subscriber, step) pair only counts once.
type fakeDeliveryStore struct {
	seen     map[string]db.ScheduledInsert
	due      []*db.Delivery
	dueErr   error
	inserted []db.ScheduledInsert
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{seen: make(map[string]db.ScheduledInsert)}
}

func (f *fakeDeliveryStore) InsertScheduled(_ context.Context, inserts []db.ScheduledInsert) (int, error) {
	count := 0
	for _, in := range inserts {
		key := in.SubscriberID.String() + "/" + in.StepID.String()
		if _, ok := f.seen[key]; ok {
			continue
		}
		f.seen[key] = in
		f.inserted = append(f.inserted, in)
		count++
	}
	return count, nil
}

func (f *fakeDeliveryStore) DueDeliveries(_ context.Context, _ time.Time, limit int) ([]*db.Delivery, error) {
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

type enqueued struct {
	job   queue.Job
	delay time.Duration
}

type fakeProducer struct {
	jobs    []enqueued
	failFor map[uuid.UUID]error
}

func (f *fakeProducer) Enqueue(_ context.Context, job queue.Job, delay time.Duration) error {
	if err, ok := f.failFor[job.DeliveryID]; ok {
		return err
	}
	f.jobs = append(f.jobs, enqueued{job: job, delay: delay})
	return nil
}

func testSubscriber() *db.Subscriber {
	return &db.Subscriber{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Email:     "ada@example.com",
		Status:    db.SubscriberConfirmed,
	}
}

func testSequence(projectID uuid.UUID) *db.Sequence {
	return &db.Sequence{
		ID:          uuid.New(),
		ProjectID:   projectID,
		Name:        "welcome",
		TriggerKind: db.TriggerSubscriberConfirmed,
		Status:      db.SequenceActive,
	}
}

func testStep(seqID uuid.UUID, position, days, hours int) *db.Step {
	return &db.Step{
		ID:         uuid.New(),
		SequenceID: seqID,
		Position:   position,
		Subject:    "Hello {{first_name}}",
		Body:       "<p>Hi</p>",
		DelayDays:  days,
		DelayHours: hours,
		Status:     db.StepActive,
	}
}

func TestTriggerSequenceMaterializesAllSteps(t *testing.T) {
	sub := testSubscriber()
	seq := testSequence(sub.ProjectID)
	steps := []*db.Step{
		testStep(seq.ID, 1, 0, 0),
		testStep(seq.ID, 2, 1, 0),
		testStep(seq.ID, 3, 3, 6),
	}
	store := newFakeDeliveryStore()
	s := New(&fakeSequenceStore{sequence: seq, steps: steps}, store, &fakeProducer{}, Config{}, zap.NewNop())

	before := time.Now()
	n, err := s.TriggerSequence(context.Background(), sub, db.TriggerSubscriberConfirmed, nil)
	if err != nil {
		t.Fatalf("TriggerSequence: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deliveries, got %d", n)
	}

	for i, step := range steps {
		want := before.Add(step.TotalDelay())
		got := store.inserted[i].ScheduledFor
		if diff := got.Sub(want); diff < 0 || diff > 5*time.Second {
			t.Errorf("step %d scheduled_for off by %v", step.Position, diff)
		}
	}
}

func TestTriggerSequenceIsIdempotent(t *testing.T) {
	sub := testSubscriber()
	seq := testSequence(sub.ProjectID)
	steps := []*db.Step{testStep(seq.ID, 1, 0, 0), testStep(seq.ID, 2, 1, 0)}
	store := newFakeDeliveryStore()
	s := New(&fakeSequenceStore{sequence: seq, steps: steps}, store, &fakeProducer{}, Config{}, zap.NewNop())

	n, err := s.TriggerSequence(context.Background(), sub, db.TriggerSubscriberConfirmed, nil)
	if err != nil || n != 2 {
		t.Fatalf("first trigger: n=%d err=%v", n, err)
	}

	n, err = s.TriggerSequence(context.Background(), sub, db.TriggerSubscriberConfirmed, nil)
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if n != 0 {
		t.Fatalf("second trigger inserted %d deliveries, want 0", n)
	}
	if len(store.inserted) != 2 {
		t.Fatalf("store holds %d deliveries, want 2", len(store.inserted))
	}
}

func TestTriggerSequenceSkipsPausedSteps(t *testing.T) {
	sub := testSubscriber()
	seq := testSequence(sub.ProjectID)
	active := testStep(seq.ID, 1, 0, 0)
	paused := testStep(seq.ID, 2, 1, 0)
	paused.Status = db.StepPaused
	store := newFakeDeliveryStore()
	s := New(&fakeSequenceStore{sequence: seq, steps: []*db.Step{active, paused}}, store, &fakeProducer{}, Config{}, zap.NewNop())

	n, err := s.TriggerSequence(context.Background(), sub, db.TriggerSubscriberConfirmed, nil)
	if err != nil {
		t.Fatalf("TriggerSequence: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if store.inserted[0].StepID != active.ID {
		t.Fatal("paused step was scheduled")
	}
}

func TestTriggerSequenceNoMatchIsNoop(t *testing.T) {
	sub := testSubscriber()
	store := newFakeDeliveryStore()
	s := New(&fakeSequenceStore{}, store, &fakeProducer{}, Config{}, zap.NewNop())

	n, err := s.TriggerSequence(context.Background(), sub, db.TriggerLeadMagnetDownload, nil)
	if err != nil {
		t.Fatalf("TriggerSequence: %v", err)
	}
	if n != 0 || len(store.inserted) != 0 {
		t.Fatalf("expected nothing scheduled, got %d", n)
	}
}

func TestTriggerSequenceRejectsUnknownKind(t *testing.T) {
	s := New(&fakeSequenceStore{}, newFakeDeliveryStore(), &fakeProducer{}, Config{}, zap.NewNop())

	if _, err := s.TriggerSequence(context.Background(), testSubscriber(), db.TriggerKind("bogus"), nil); err == nil {
		t.Fatal("expected error for unknown trigger kind")
	}
}

func TestDispatchDueEnqueuesJobs(t *testing.T) {
	due := []*db.Delivery{
		{ID: uuid.New(), Status: db.DeliveryScheduled},
		{ID: uuid.New(), Status: db.DeliveryScheduled, Attempts: 1},
	}
	store := newFakeDeliveryStore()
	store.due = due
	producer := &fakeProducer{}
	s := New(&fakeSequenceStore{}, store, producer, Config{}, zap.NewNop())

	n, err := s.DispatchDue(context.Background())
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 enqueued, got %d", n)
	}
	for i, e := range producer.jobs {
		if e.job.DeliveryID != due[i].ID {
			t.Errorf("job %d delivery id mismatch", i)
		}
		if e.delay != 0 {
			t.Errorf("job %d has delay %v, want immediate", i, e.delay)
		}
	}
}

func TestDispatchDueSkipsFailedEnqueues(t *testing.T) {
	bad := &db.Delivery{ID: uuid.New(), Status: db.DeliveryScheduled}
	good := &db.Delivery{ID: uuid.New(), Status: db.DeliveryScheduled}
	store := newFakeDeliveryStore()
	store.due = []*db.Delivery{bad, good}
	producer := &fakeProducer{failFor: map[uuid.UUID]error{bad.ID: errors.New("queue full")}}
	s := New(&fakeSequenceStore{}, store, producer, Config{}, zap.NewNop())

	n, err := s.DispatchDue(context.Background())
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 enqueued, got %d", n)
	}
	if producer.jobs[0].job.DeliveryID != good.ID {
		t.Fatal("wrong delivery enqueued")
	}
}

func TestDispatchDueHonorsBatchSize(t *testing.T) {
	store := newFakeDeliveryStore()
	for i := 0; i < 10; i++ {
		store.due = append(store.due, &db.Delivery{ID: uuid.New(), Status: db.DeliveryScheduled})
	}
	producer := &fakeProducer{}
	s := New(&fakeSequenceStore{}, store, producer, Config{BatchSize: 4}, zap.NewNop())

	n, err := s.DispatchDue(context.Background())
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected batch of 4, got %d", n)
	}
}

func TestDispatchDueStoreError(t *testing.T) {
	store := newFakeDeliveryStore()
	store.dueErr = errors.New("connection reset")
	s := New(&fakeSequenceStore{}, store, &fakeProducer{}, Config{}, zap.NewNop())

	if _, err := s.DispatchDue(context.Background()); err == nil {
		t.Fatal("expected error when due query fails")
	}
}
