package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeLocker struct {
	allow bool
	err   error
	calls int
}

func (f *fakeLocker) Acquire(_ context.Context, _ string, _ time.Duration) (bool, error) {
	f.calls++
	return f.allow, f.err
}

func newTestRunner(lock Locker) *Runner {
	s := New(&fakeSequenceStore{}, newFakeDeliveryStore(), &fakeProducer{}, Config{}, zap.NewNop())
	c := NewRetryCoordinator(&fakeRetryStore{}, &fakeProducer{}, 3, zap.NewNop())
	return NewRunner(s, c, lock, RunnerConfig{}, zap.NewNop())
}

func TestRunTickRunsWhenLockAcquired(t *testing.T) {
	lock := &fakeLocker{allow: true}
	r := newTestRunner(lock)

	ran := false
	r.runTick(context.Background(), "dispatch", time.Minute, func(context.Context) (int, error) {
		ran = true
		return 0, nil
	})

	if !ran {
		t.Fatal("tick should run when the lock is acquired")
	}
	if lock.calls != 1 {
		t.Fatalf("lock acquired %d times, want 1", lock.calls)
	}
}

func TestRunTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	r := newTestRunner(&fakeLocker{allow: false})

	ran := false
	r.runTick(context.Background(), "dispatch", time.Minute, func(context.Context) (int, error) {
		ran = true
		return 0, nil
	})

	if ran {
		t.Fatal("tick should not run when another process holds the window")
	}
}

func TestRunTickRunsWhenLockBackendDown(t *testing.T) {
	r := newTestRunner(&fakeLocker{err: errors.New("connection refused")})

	ran := false
	r.runTick(context.Background(), "dispatch", time.Minute, func(context.Context) (int, error) {
		ran = true
		return 0, nil
	})

	if !ran {
		t.Fatal("tick should run anyway when the lock backend is unavailable")
	}
}

func TestRunTickRunsWithoutLock(t *testing.T) {
	r := newTestRunner(nil)

	ran := false
	r.runTick(context.Background(), "retry", time.Minute, func(context.Context) (int, error) {
		ran = true
		return 0, nil
	})

	if !ran {
		t.Fatal("tick should run with no lock configured")
	}
}
