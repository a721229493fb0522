package apiclient_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/entityauth/EntityKit-sub003/apiclient"
	"github.com/entityauth/EntityKit-sub003/authstate"
	"github.com/entityauth/EntityKit-sub003/config"
	"github.com/entityauth/EntityKit-sub003/refresher"
	"github.com/entityauth/EntityKit-sub003/tokenstore"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	cfg    *config.Provider
	state  *authstate.State
	client *apiclient.Client
}

func newFixture(t *testing.T, baseURL, access, refresh string) fixture {
	t.Helper()

	cfg := config.MustProvider(config.Configuration{
		Environment:       config.Custom,
		BaseURL:           baseURL,
		WorkspaceTenantID: "w1",
		ClientIdentifier:  "ios",
	})
	state := authstate.New(tokenstore.NewMemory(access, refresh), authstate.WithLogger(quietLog()))
	if _, err := state.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	client, err := apiclient.New(cfg, state, apiclient.WithLogger(quietLog()))
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	return fixture{cfg: cfg, state: state, client: client}
}

func TestSend_AttachesIdentityAndBearerHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "token", "r")
	if _, err := f.client.Send(context.Background(), apiclient.Get("/api/auth/bootstrap", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := map[string]string{
		"authorization":         "Bearer token",
		"x-client":              "ios",
		"x-workspace-tenant-id": "w1",
		"content-type":          "application/json",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Fatalf("header %s=%q want %q", k, got.Get(k), v)
		}
	}
	if got.Get("x-request-id") == "" {
		t.Fatalf("missing x-request-id")
	}
}

func TestSend_CallerHeadersWinAndPublicRequestsSkipAuth(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "token", "r")
	req := apiclient.Post("/api/auth/login", map[string]string{"email": "a@b.c"}).Public()
	req.Headers = map[string]string{"X-Client": "override", "x-workspace-tenant-id": "w9"}

	if _, err := f.client.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Get("authorization") != "" {
		t.Fatalf("public request carried authorization %q", got.Get("authorization"))
	}
	if got.Get("x-client") != "override" || got.Get("x-workspace-tenant-id") != "w9" {
		t.Fatalf("caller headers lost: x-client=%q tenant=%q", got.Get("x-client"), got.Get("x-workspace-tenant-id"))
	}
}

func TestSend_NoBearerWhenTokenAbsent(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "", "")
	if _, err := f.client.Send(context.Background(), apiclient.Get("/x", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Get("authorization") != "" {
		t.Fatalf("unexpected authorization header %q", got.Get("authorization"))
	}
}

func TestSend_ClassifiesFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, `{"error":{"code":"not_found","message":"account deleted"}}`, http.StatusNotFound)
		case "/boom":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, "kaput")
		case "/garbage":
			_, _ = io.WriteString(w, "{not json")
		}
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "t", "r")
	ctx := context.Background()

	_, err := f.client.Send(ctx, apiclient.Get("/missing", nil))
	var ne *apiclient.NetworkError
	if !errors.As(err, &ne) || ne.StatusCode != http.StatusNotFound {
		t.Fatalf("err=%v want NetworkError 404", err)
	}
	if !errors.Is(err, apiclient.ErrNotFound) || ne.Detail() != "account deleted" {
		t.Fatalf("404 should match ErrNotFound with detail, got %v / %q", err, ne.Detail())
	}

	_, err = f.client.Send(ctx, apiclient.Get("/boom", nil))
	if !errors.As(err, &ne) || ne.StatusCode != 500 || ne.Message != "kaput" {
		t.Fatalf("err=%v want NetworkError{500, kaput}", err)
	}
	if errors.Is(err, apiclient.ErrNotFound) {
		t.Fatalf("500 must not match ErrNotFound")
	}

	_, err = apiclient.Do[struct{ ID string }](ctx, f.client, apiclient.Get("/garbage", nil))
	if !errors.Is(err, apiclient.ErrDecoding) {
		t.Fatalf("err=%v want ErrDecoding", err)
	}
}

func TestSend_TransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := newFixture(t, url, "t", "r")
	_, err := f.client.Send(context.Background(), apiclient.Get("/x", nil))
	if !errors.Is(err, apiclient.ErrTransport) {
		t.Fatalf("err=%v want ErrTransport", err)
	}
	if apiclient.StatusCode(err) != 0 {
		t.Fatalf("transport errors carry no status")
	}
}

func TestSend_ObservesBaseURLMutation(t *testing.T) {
	t.Parallel()

	var hitsA, hitsB atomic.Int32
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hitsA.Add(1) }))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hitsB.Add(1) }))
	defer b.Close()

	f := newFixture(t, a.URL, "t", "r")
	ctx := context.Background()
	if _, err := f.client.Send(ctx, apiclient.Get("/x", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := f.cfg.SetBaseURL(b.URL); err != nil {
		t.Fatalf("SetBaseURL: %v", err)
	}
	if _, err := f.client.Send(ctx, apiclient.Get("/x", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if hitsA.Load() != 1 || hitsB.Load() != 1 {
		t.Fatalf("hitsA=%d hitsB=%d want 1/1", hitsA.Load(), hitsB.Load())
	}
}

// authServer accepts only "Bearer <valid>" and counts requests.
func authServer(valid string, hits *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("authorization") != "Bearer "+valid {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
}

func TestSend_ConcurrentUnauthorizedCoalescesIntoOneRefresh(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := authServer("fresh", &hits)
	defer srv.Close()

	f := newFixture(t, srv.URL, "stale", "r1")

	var refreshCalls atomic.Int32
	svc := refresher.ServiceFunc(func(ctx context.Context, rt string) (refresher.Result, error) {
		if refreshCalls.Add(1) > 1 {
			return refresher.Result{}, &refresher.RefreshError{Err: errors.New("refresh token reused")}
		}
		time.Sleep(50 * time.Millisecond)
		return refresher.Result{AccessToken: "fresh", RefreshToken: "r2"}, nil
	})
	f.client.SetRefresher(refresher.New(f.state, svc, refresher.WithLogger(quietLog())))

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := apiclient.Do[map[string]bool](context.Background(), f.client, apiclient.Get("/api/org/list", nil))
			if err == nil && !out["ok"] {
				err = errors.New("missing ok")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
	}
	if refreshCalls.Load() != 1 {
		t.Fatalf("refresh calls=%d want 1", refreshCalls.Load())
	}
	if got := f.state.Current(); got.AccessToken != "fresh" || got.RefreshToken != "r2" {
		t.Fatalf("state=%+v", got)
	}
}

func TestSend_RefreshFailureYieldsUnauthorizedWithoutLooping(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := authServer("never", &hits)
	defer srv.Close()

	f := newFixture(t, srv.URL, "stale", "r1")
	svc := refresher.ServiceFunc(func(ctx context.Context, rt string) (refresher.Result, error) {
		return refresher.Result{}, &refresher.RefreshError{Err: errors.New("revoked")}
	})
	f.client.SetRefresher(refresher.New(f.state, svc, refresher.WithLogger(quietLog())))

	_, err := f.client.Send(context.Background(), apiclient.Get("/x", nil))
	if !errors.Is(err, apiclient.ErrUnauthorized) || !errors.Is(err, refresher.ErrRefreshFailed) {
		t.Fatalf("err=%v want Unauthorized wrapping RefreshFailed", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits=%d want 1", hits.Load())
	}
}

func TestSend_SecondUnauthorizedAfterRefreshFails(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := authServer("never", &hits)
	defer srv.Close()

	f := newFixture(t, srv.URL, "stale", "r1")
	var calls atomic.Int32
	svc := refresher.ServiceFunc(func(ctx context.Context, rt string) (refresher.Result, error) {
		calls.Add(1)
		return refresher.Result{AccessToken: "also-rejected"}, nil
	})
	f.client.SetRefresher(refresher.New(f.state, svc, refresher.WithLogger(quietLog())))

	_, err := f.client.Send(context.Background(), apiclient.Get("/x", nil))
	if !errors.Is(err, apiclient.ErrUnauthorized) {
		t.Fatalf("err=%v want ErrUnauthorized", err)
	}
	if hits.Load() != 2 || calls.Load() != 1 {
		t.Fatalf("hits=%d refreshes=%d want 2/1", hits.Load(), calls.Load())
	}
	if got := f.state.Current(); got.RefreshToken != "r1" {
		t.Fatalf("refresh token should be preserved, got %+v", got)
	}
}

func TestSend_PublicUnauthorizedNeverRefreshes(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := authServer("never", &hits)
	defer srv.Close()

	f := newFixture(t, srv.URL, "stale", "r1")
	var calls atomic.Int32
	f.client.SetRefresher(refresher.New(f.state, refresher.ServiceFunc(func(ctx context.Context, rt string) (refresher.Result, error) {
		calls.Add(1)
		return refresher.Result{AccessToken: "x"}, nil
	})))

	_, err := f.client.Send(context.Background(), apiclient.Post("/api/auth/refresh", nil).Public())
	var ue *apiclient.UnauthorizedError
	if !errors.As(err, &ue) || !strings.Contains(ue.Message, "expired") {
		t.Fatalf("err=%v want UnauthorizedError with body", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("public 401 triggered %d refreshes", calls.Load())
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := apiclient.New(nil, nil); !errors.Is(err, apiclient.ErrConfiguration) {
		t.Fatalf("err=%v want ErrConfiguration", err)
	}
}
