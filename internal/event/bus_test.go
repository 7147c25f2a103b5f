package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := NewBus()

	var got []string
	sub := func(name string) HandlerFunc {
		return func(_ context.Context, env Envelope) error {
			got = append(got, name)
			return nil
		}
	}

	_, err := b.SubscribeFunc("export.*", sub("wildcard"))
	require.NoError(t, err)
	_, err = b.SubscribeFunc("export.csv.completed", sub("exact"))
	require.NoError(t, err)
	_, err = b.SubscribeFunc("import.*", sub("other"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), NewEnvelope("export.csv.completed", nil)))

	assert.ElementsMatch(t, []string{"wildcard", "exact"}, got)
}

func TestPublishOrdersByPriorityThenRegistration(t *testing.T) {
	b := NewBus()

	var order []string
	record := func(name string) HandlerFunc {
		return func(context.Context, Envelope) error {
			order = append(order, name)
			return nil
		}
	}

	_, _ = b.SubscribeFunc("cmd.run", record("low"), WithPriority(PriorityLow))
	_, _ = b.SubscribeFunc("cmd.run", record("normal-1"), WithPriority(PriorityNormal))
	_, _ = b.SubscribeFunc("cmd.run", record("high"), WithPriority(PriorityHigh))
	_, _ = b.SubscribeFunc("cmd.run", record("normal-2"), WithPriority(PriorityNormal))

	require.NoError(t, b.Publish(context.Background(), NewEnvelope("cmd.run", nil)))

	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, order)
}

func TestPublishIsolatesFailingHandler(t *testing.T) {
	b := NewBus()

	var order []string
	_, _ = b.SubscribeFunc("cmd.run", func(context.Context, Envelope) error {
		order = append(order, "first")
		return errors.New("handler failure")
	}, WithPriority(PriorityHigh))
	_, _ = b.SubscribeFunc("cmd.run", func(context.Context, Envelope) error {
		order = append(order, "second")
		panic("handler panic")
	}, WithPriority(PriorityNormal))
	_, _ = b.SubscribeFunc("cmd.run", func(context.Context, Envelope) error {
		order = append(order, "third")
		return nil
	}, WithPriority(PriorityLow))

	err := b.Publish(context.Background(), NewEnvelope("cmd.run", nil))

	require.NoError(t, err, "handler failures must not reach the publisher")
	assert.Equal(t, []string{"first", "second", "third"}, order)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.HandlerErrors)
	assert.Equal(t, uint64(1), stats.HandlerPanics)
	assert.Equal(t, uint64(1), stats.EventsDelivered)
}

func TestUnsubscribeDuringDispatchDoesNotAffectCurrentPass(t *testing.T) {
	b := NewBus()

	var order []string
	var second Subscription

	_, _ = b.SubscribeFunc("cmd.run", func(context.Context, Envelope) error {
		order = append(order, "first")
		// Removing a later subscriber mid-pass must not affect this pass.
		return b.Unsubscribe(second)
	}, WithPriority(PriorityHigh))

	second, _ = b.SubscribeFunc("cmd.run", func(context.Context, Envelope) error {
		order = append(order, "second")
		return nil
	}, WithPriority(PriorityNormal))

	require.NoError(t, b.Publish(context.Background(), NewEnvelope("cmd.run", nil)))
	assert.Equal(t, []string{"first", "second"}, order)

	// The removal holds for subsequent publishes.
	order = nil
	require.NoError(t, b.Publish(context.Background(), NewEnvelope("cmd.run", nil)))
	assert.Equal(t, []string{"first"}, order)
}

func TestAsyncDeliverySurvivesUnsubscribeAfterSelection(t *testing.T) {
	sched := &gatedScheduler{}
	b := NewBus(WithScheduler(sched))

	delivered := make(chan struct{}, 1)
	sub, _ := b.SubscribeFunc("task.completed", func(context.Context, Envelope) error {
		delivered <- struct{}{}
		return nil
	}, WithMode(DeliveryAsync))

	require.NoError(t, b.Publish(context.Background(), NewEnvelope("task.completed", nil)))

	// Removed between selection and execution; the selected delivery
	// still happens.
	require.NoError(t, b.Unsubscribe(sub))
	sched.release()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("selected async delivery was dropped")
	}

	// Later publishes no longer select it.
	require.NoError(t, b.Publish(context.Background(), NewEnvelope("task.completed", nil)))
	sched.release()
	select {
	case <-delivered:
		t.Fatal("cancelled subscription received a later publish")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAsyncDeliverySurvivesOwnerSweepAfterSelection(t *testing.T) {
	sched := &gatedScheduler{}
	b := NewBus(WithScheduler(sched))

	delivered := make(chan struct{}, 1)
	_, _ = b.SubscribeFunc("task.completed", func(context.Context, Envelope) error {
		delivered <- struct{}{}
		return nil
	}, WithMode(DeliveryAsync), WithOwner("finance"))

	require.NoError(t, b.Publish(context.Background(), NewEnvelope("task.completed", nil)))
	assert.Equal(t, 1, b.RemoveOwner("finance"))
	sched.release()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("selected async delivery was dropped by owner removal")
	}
}

func TestSubscribeAfterPublishDoesNotReceiveRetroactively(t *testing.T) {
	b := NewBus()

	require.NoError(t, b.Publish(context.Background(), NewEnvelope("cmd.run", nil)))

	called := false
	_, _ = b.SubscribeFunc("cmd.run", func(context.Context, Envelope) error {
		called = true
		return nil
	})

	assert.False(t, called)
}

func TestAsyncDeliveryViaScheduler(t *testing.T) {
	sched := &recordingScheduler{}
	b := NewBus(WithScheduler(sched))

	done := make(chan Envelope, 1)
	_, _ = b.SubscribeFunc("task.completed", func(_ context.Context, env Envelope) error {
		done <- env
		return nil
	}, WithMode(DeliveryAsync), WithPriority(PriorityHigh))

	env := NewEnvelope("task.completed", "result")
	require.NoError(t, b.Publish(context.Background(), env))

	select {
	case got := <-done:
		assert.Equal(t, env.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("async handler was not invoked")
	}

	assert.Equal(t, []Priority{PriorityHigh}, sched.priorities())
}

func TestAsyncFallbackWithoutScheduler(t *testing.T) {
	b := NewBus()

	done := make(chan struct{})
	_, _ = b.SubscribeFunc("task.completed", func(context.Context, Envelope) error {
		close(done)
		return nil
	}, WithMode(DeliveryAsync))

	require.NoError(t, b.Publish(context.Background(), NewEnvelope("task.completed", nil)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fallback async delivery did not run")
	}
}

func TestMinPriorityFilter(t *testing.T) {
	b := NewBus()

	var got []Priority
	_, _ = b.SubscribeFunc("cmd.run", func(_ context.Context, env Envelope) error {
		got = append(got, env.Priority)
		return nil
	}, WithMinPriority(PriorityNormal))

	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		require.NoError(t, b.Publish(context.Background(), NewEnvelope("cmd.run", nil).WithPriority(p)))
	}

	assert.Equal(t, []Priority{PriorityNormal, PriorityHigh}, got)
}

func TestRemoveOwner(t *testing.T) {
	b := NewBus()

	_, _ = b.SubscribeFunc("a.one", nopHandler, WithOwner("finance"))
	_, _ = b.SubscribeFunc("a.two", nopHandler, WithOwner("finance"))
	_, _ = b.SubscribeFunc("a.three", nopHandler, WithOwner("other"))

	assert.Equal(t, 2, b.SubscriptionsFor("finance"))
	assert.Equal(t, 2, b.RemoveOwner("finance"))
	assert.Equal(t, 0, b.SubscriptionsFor("finance"))
	assert.Equal(t, 1, b.Stats().ActiveSubscriptions)
}

func TestPublishOnClosedBus(t *testing.T) {
	b := NewBus()
	sub, _ := b.SubscribeFunc("cmd.run", nopHandler)

	b.Close()

	assert.ErrorIs(t, b.Publish(context.Background(), NewEnvelope("cmd.run", nil)), ErrBusClosed)
	assert.NoError(t, b.Unsubscribe(sub), "unsubscribe still works after close")
}

func TestSubscribeValidation(t *testing.T) {
	b := NewBus()

	_, err := b.Subscribe("cmd.run", nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	_, err = b.SubscribeFunc("", nopHandler)
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = b.SubscribeFunc("a..b", nopHandler)
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestPublishRejectsPatternTopic(t *testing.T) {
	b := NewBus()
	err := b.Publish(context.Background(), NewEnvelope("export.*", nil))
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

var nopHandler = HandlerFunc(func(context.Context, Envelope) error { return nil })

// recordingScheduler runs scheduled work inline on a goroutine and
// records scheduling priorities.
type recordingScheduler struct {
	mu sync.Mutex
	ps []Priority
}

func (s *recordingScheduler) Schedule(p Priority, fn func(ctx context.Context)) error {
	s.mu.Lock()
	s.ps = append(s.ps, p)
	s.mu.Unlock()
	go fn(context.Background())
	return nil
}

func (s *recordingScheduler) priorities() []Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Priority(nil), s.ps...)
}

// gatedScheduler holds scheduled work until released, so tests can
// interleave registry changes between selection and execution.
type gatedScheduler struct {
	mu  sync.Mutex
	fns []func(ctx context.Context)
}

func (s *gatedScheduler) Schedule(_ Priority, fn func(ctx context.Context)) error {
	s.mu.Lock()
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
	return nil
}

func (s *gatedScheduler) release() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn(context.Background())
	}
}
