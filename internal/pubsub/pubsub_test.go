package pubsub

import (
	"testing"
	"time"
)

func recv[T any](t *testing.T, s *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-s.C():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestPublish_DeliversInOrderWithoutLoss(t *testing.T) {
	t.Parallel()

	b := New[int]()
	s := b.Subscribe()
	defer s.Close()

	const n = 500
	for i := 0; i < n; i++ {
		b.Publish(i)
	}

	for i := 0; i < n; i++ {
		if got := recv(t, s); got != i {
			t.Fatalf("value[%d]=%d want %d", i, got, i)
		}
	}
}

func TestSubscribe_ReplaysLatest(t *testing.T) {
	t.Parallel()

	b := New(WithReplayLatest("initial"))

	s1 := b.Subscribe()
	defer s1.Close()
	if got := recv(t, s1); got != "initial" {
		t.Fatalf("first value=%q want initial", got)
	}

	b.Publish("second")
	if got := recv(t, s1); got != "second" {
		t.Fatalf("got %q want second", got)
	}

	s2 := b.Subscribe()
	defer s2.Close()
	if got := recv(t, s2); got != "second" {
		t.Fatalf("late subscriber got %q want second", got)
	}
}

func TestSubscribe_WithoutReplayStartsEmpty(t *testing.T) {
	t.Parallel()

	b := New[int]()
	b.Publish(1)

	s := b.Subscribe()
	defer s.Close()

	select {
	case v := <-s.C():
		t.Fatalf("unexpected value %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClose_IsIdempotentAndClosesChannel(t *testing.T) {
	t.Parallel()

	b := New[int]()
	s := b.Subscribe()
	s.Close()
	s.Close()

	select {
	case _, ok := <-s.C():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed")
	}
	if b.Len() != 0 {
		t.Fatalf("Len()=%d want 0", b.Len())
	}
}

func TestBroadcasterClose_EndsSubscriptions(t *testing.T) {
	t.Parallel()

	b := New[int]()
	s := b.Subscribe()
	b.Close()
	b.Publish(1)

	select {
	case _, ok := <-s.C():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed")
	}

	late := b.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Fatalf("subscription after Close should be closed")
	}
}

func TestSubscribeAfterClose_IsClosedAndCloseIsSafe(t *testing.T) {
	t.Parallel()

	b := New[int](WithReplayLatest(1))
	b.Close()

	s := b.Subscribe()
	if _, ok := <-s.C(); ok {
		t.Fatalf("subscription on a closed broadcaster delivered a value")
	}
	s.Close()
	s.Close()
	if n := b.Len(); n != 0 {
		t.Fatalf("Len()=%d want 0", n)
	}
}
