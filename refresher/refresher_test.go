package refresher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/entityauth/EntityKit-sub003/authstate"
	"github.com/entityauth/EntityKit-sub003/tokenstore"
)

func newState(t *testing.T, access, refresh string) *authstate.State {
	t.Helper()
	s := authstate.New(tokenstore.NewMemory(access, refresh))
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func quiet() Option { return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))) }

func TestRetryAfterRefreshing_CoalescesAndReplaysEachCaller(t *testing.T) {
	t.Parallel()

	state := newState(t, "a0", "r0")
	release := make(chan struct{})
	var calls atomic.Int32
	svc := ServiceFunc(func(ctx context.Context, rt string) (Result, error) {
		calls.Add(1)
		if rt != "r0" {
			t.Errorf("refresh token=%q want r0", rt)
		}
		<-release
		return Result{AccessToken: "a1", RefreshToken: "r1"}, nil
	})
	r := New(state, svc, quiet())

	const n = 10
	var (
		wg      sync.WaitGroup
		replays atomic.Int32
		started sync.WaitGroup
	)
	started.Add(n)
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			out, err := r.RetryAfterRefreshingToken(context.Background(), "a0", func(ctx context.Context) ([]byte, error) {
				replays.Add(1)
				return []byte(state.Current().AccessToken), nil
			})
			if err != nil {
				t.Errorf("RetryAfterRefreshingToken: %v", err)
				return
			}
			results <- string(out)
		}()
	}
	started.Wait()
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if calls.Load() != 1 {
		t.Fatalf("refresh calls=%d want 1", calls.Load())
	}
	if replays.Load() != n {
		t.Fatalf("replays=%d want %d", replays.Load(), n)
	}
	for got := range results {
		if got != "a1" {
			t.Fatalf("replay saw token %q want a1", got)
		}
	}
}

func TestRefresh_FailureIsSharedThenMarkerCleared(t *testing.T) {
	t.Parallel()

	state := newState(t, "a0", "r0")
	var calls atomic.Int32
	fail := errors.New("server said no")
	svc := ServiceFunc(func(ctx context.Context, rt string) (Result, error) {
		if calls.Add(1) == 1 {
			return Result{}, &RefreshError{Err: fail}
		}
		return Result{AccessToken: "a2"}, nil
	})
	r := New(state, svc, quiet())

	_, err := r.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) || !errors.Is(err, fail) {
		t.Fatalf("err=%v want RefreshFailed wrapping cause", err)
	}
	if got := state.Current(); got.AccessToken != "a0" {
		t.Fatalf("state mutated on failure: %+v", got)
	}

	pair, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if pair.AccessToken != "a2" || pair.RefreshToken != "r0" {
		t.Fatalf("pair=%+v want a2/r0", pair)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d want 2", calls.Load())
	}
}

func TestRefresh_MissingRefreshToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	r := New(newState(t, "a0", ""), ServiceFunc(func(ctx context.Context, rt string) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	}), quiet())

	_, err := r.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshTokenMissing) || !IsRefreshFailure(err) {
		t.Fatalf("err=%v want ErrRefreshTokenMissing", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("service called without a refresh token")
	}
}

func TestRefresh_NonRefreshErrorsPassThrough(t *testing.T) {
	t.Parallel()

	offline := errors.New("dial tcp: connection refused")
	r := New(newState(t, "a0", "r0"), ServiceFunc(func(ctx context.Context, rt string) (Result, error) {
		return Result{}, offline
	}), quiet())

	_, err := r.Refresh(context.Background())
	if !errors.Is(err, offline) || IsRefreshFailure(err) {
		t.Fatalf("err=%v want the transport cause unchanged", err)
	}
}

func TestRetryAfterRefreshingToken_SkipsWhenAlreadyRotated(t *testing.T) {
	t.Parallel()

	state := newState(t, "a1", "r1")
	var calls atomic.Int32
	r := New(state, ServiceFunc(func(ctx context.Context, rt string) (Result, error) {
		calls.Add(1)
		return Result{AccessToken: "a2"}, nil
	}), quiet())

	out, err := r.RetryAfterRefreshingToken(context.Background(), "a0", func(ctx context.Context) ([]byte, error) {
		return []byte("replayed"), nil
	})
	if err != nil || string(out) != "replayed" {
		t.Fatalf("out=%q err=%v", out, err)
	}
	if calls.Load() != 0 {
		t.Fatalf("refresh ran although the token was already rotated")
	}
}

func TestRefresh_CallerCancellationDoesNotCancelFlight(t *testing.T) {
	t.Parallel()

	state := newState(t, "a0", "r0")
	release := make(chan struct{})
	svc := ServiceFunc(func(ctx context.Context, rt string) (Result, error) {
		<-release
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{AccessToken: "a1", RefreshToken: "r1"}, nil
	})
	r := New(state, svc, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Refresh(ctx)
		errCh <- err
	}()

	waiter := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, err := r.Refresh(context.Background())
		waiter <- err
	}()

	time.Sleep(40 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err=%v", err)
	}
	close(release)

	if err := <-waiter; err != nil {
		t.Fatalf("joined caller err=%v", err)
	}
	if state.Current().AccessToken != "a1" {
		t.Fatalf("flight did not commit: %+v", state.Current())
	}
}

func TestRetryAfterRefreshing_AlwaysRefreshesThenReplays(t *testing.T) {
	t.Parallel()

	state := newState(t, "a0", "r0")
	var calls atomic.Int32
	r := New(state, ServiceFunc(func(ctx context.Context, rt string) (Result, error) {
		calls.Add(1)
		return Result{AccessToken: "a1", RefreshToken: "r1"}, nil
	}), quiet())

	out, err := r.RetryAfterRefreshing(context.Background(), func(ctx context.Context) ([]byte, error) {
		return []byte(state.Current().AccessToken), nil
	})
	if err != nil || string(out) != "a1" {
		t.Fatalf("out=%q err=%v", out, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
}
