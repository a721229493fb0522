package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "github.com/entityauth/EntityKit-sub003/shared/contracts/realtime/v1"

	"github.com/entityauth/EntityKit-sub003/config"
)

type fakeSub struct {
	ch     chan json.RawMessage
	closed bool
}

type fakeTransport struct {
	mu       sync.Mutex
	subs     map[string]*fakeSub
	failOn   map[string]error
	closed   bool
	subbed   chan string
	canceled chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subs:     make(map[string]*fakeSub),
		failOn:   make(map[string]error),
		subbed:   make(chan string, 16),
		canceled: make(chan string, 16),
	}
}

func (f *fakeTransport) Subscribe(ctx context.Context, channel string, _ map[string]string) (<-chan json.RawMessage, error) {
	f.mu.Lock()
	if err := f.failOn[channel]; err != nil {
		f.mu.Unlock()
		f.subbed <- channel
		return nil, err
	}
	s := &fakeSub{ch: make(chan json.RawMessage, 16)}
	f.subs[channel] = s
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		f.mu.Unlock()
		f.canceled <- channel
	}()

	f.subbed <- channel
	return s.ch, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) push(t *testing.T, channel, raw string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[channel]
	if s == nil || s.closed {
		t.Fatalf("no live subscription for %s", channel)
	}
	s.ch <- json.RawMessage(raw)
}

type recordingDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeTransport
	err   error
}

func (d *recordingDialer) Dial(_ context.Context, baseURL string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ft := newFakeTransport()
	d.urls = append(d.urls, baseURL)
	d.conns = append(d.conns, ft)
	return ft, nil
}

func (d *recordingDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *recordingDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestCoordinator(t *testing.T) (*Coordinator, *recordingDialer, *config.Provider) {
	t.Helper()
	cfg := config.MustProvider(config.Configuration{Environment: config.Custom, BaseURL: "http://a.test"})
	d := &recordingDialer{}
	c := New(cfg, d)
	t.Cleanup(c.Close)
	return c, d, cfg
}

func waitSubscribed(t *testing.T, ft *fakeTransport, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ft.subbed:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for subscription %d/%d", i+1, n)
		}
	}
}

func nextEvent(t *testing.T, c *Coordinator) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoordinator_MembershipsYieldListThenFirstAsFallback(t *testing.T) {
	c, d, _ := newTestCoordinator(t)
	if err := c.Start(context.Background(), "u1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ft := d.last()
	waitSubscribed(t, ft, 2)

	ft.push(t, v1.ChannelMembershipsForUser, `[{"orgId":"o1","role":"owner","joinedAt":1}]`)

	ev := nextEvent(t, c)
	if ev.Kind != OrganizationsChanged || len(ev.Organizations) != 1 || ev.Organizations[0].OrgID != "o1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	ev = nextEvent(t, c)
	if ev.Kind != ActiveOrganizationChanged || ev.ActiveOrganization == nil || ev.ActiveOrganization.OrgID != "o1" || !ev.Fallback {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestCoordinator_EmptyAndUndecodableMemberships(t *testing.T) {
	c, d, _ := newTestCoordinator(t)
	if err := c.Start(context.Background(), "u1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ft := d.last()
	waitSubscribed(t, ft, 2)

	ft.push(t, v1.ChannelMembershipsForUser, `{"not":"a list"}`)
	ft.push(t, v1.ChannelMembershipsForUser, `null`)

	ev := nextEvent(t, c)
	if ev.Kind != OrganizationsChanged || ev.Organizations == nil || len(ev.Organizations) != 0 {
		t.Fatalf("want empty OrganizationsChanged, got %+v", ev)
	}
	assertNoEvent(t, c)
}

func TestCoordinator_UsernameAndSession(t *testing.T) {
	c, d, _ := newTestCoordinator(t)
	if err := c.Start(context.Background(), "u1", "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ft := d.last()
	waitSubscribed(t, ft, 3)

	ft.push(t, v1.ChannelUserByID, `{"id":"u1","username":"ada"}`)
	ev := nextEvent(t, c)
	if ev.Kind != UsernameChanged || ev.Username == nil || *ev.Username != "ada" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	ft.push(t, v1.ChannelSessionByID, `{"id":"s1","status":"active"}`)
	assertNoEvent(t, c)

	ft.push(t, v1.ChannelSessionByID, `{"id":"s1","status":"revoked"}`)
	ev = nextEvent(t, c)
	if ev.Kind != SessionInvalidated || ev.SessionID != "s1" || ev.Status != "revoked" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestCoordinator_SubscribeErrorIsSwallowed(t *testing.T) {
	cfg := config.MustProvider(config.Configuration{Environment: config.Custom, BaseURL: "http://a.test"})
	ft := newFakeTransport()
	ft.failOn[v1.ChannelUserByID] = errors.New("denied")
	c := New(cfg, DialerFunc(func(context.Context, string) (Transport, error) { return ft, nil }))
	t.Cleanup(c.Close)

	if err := c.Start(context.Background(), "u1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitSubscribed(t, ft, 2)

	ft.push(t, v1.ChannelMembershipsForUser, `[]`)
	if ev := nextEvent(t, c); ev.Kind != OrganizationsChanged {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestCoordinator_StopCancelsAndReleases(t *testing.T) {
	c, d, _ := newTestCoordinator(t)
	c.Stop() // before Start

	if err := c.Start(context.Background(), "u1", "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ft := d.last()
	waitSubscribed(t, ft, 3)

	c.Stop()
	c.Stop()

	for i := 0; i < 3; i++ {
		select {
		case <-ft.canceled:
		case <-time.After(2 * time.Second):
			t.Fatalf("subscription %d not cancelled", i+1)
		}
	}
	if !ft.isClosed() {
		t.Fatalf("connection not released")
	}
}

func TestCoordinator_StartOutlivesCallerContext(t *testing.T) {
	c, d, _ := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx, "u1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ft := d.last()
	waitSubscribed(t, ft, 2)
	cancel()

	ft.push(t, v1.ChannelUserByID, `{"id":"u1"}`)
	if ev := nextEvent(t, c); ev.Kind != UsernameChanged || ev.Username != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestCoordinator_MemoizesConnectionPerBaseURL(t *testing.T) {
	c, d, _ := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Start(ctx, "u1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(ctx, "u1", ""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := d.dialed(); len(got) != 1 {
		t.Fatalf("dials=%v want 1", got)
	}
}

func TestCoordinator_ConfigChangeRedialsAndResubscribes(t *testing.T) {
	c, d, cfg := newTestCoordinator(t)
	if err := c.Start(context.Background(), "u1", "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := d.last()
	waitSubscribed(t, first, 3)

	if err := cfg.SetBaseURL("http://b.test"); err != nil {
		t.Fatalf("SetBaseURL: %v", err)
	}
	waitDials(t, d, 2)
	if got := d.dialed(); got[1] != "http://b.test" {
		t.Fatalf("dials=%v", got)
	}
	if !first.isClosed() {
		t.Fatalf("old connection should be closed")
	}
	second := d.last()
	waitSubscribed(t, second, 3)

	second.push(t, v1.ChannelSessionByID, `{"id":"s1","status":"revoked"}`)
	if ev := nextEvent(t, c); ev.Kind != SessionInvalidated || ev.SessionID != "s1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// A tenant change alone also redials.
	if err := cfg.SetWorkspaceTenantID("w2"); err != nil {
		t.Fatalf("SetWorkspaceTenantID: %v", err)
	}
	waitDials(t, d, 3)
}

func TestCoordinator_ConfigChangeWhileStoppedDoesNotDial(t *testing.T) {
	c, d, cfg := newTestCoordinator(t)
	if err := c.Start(context.Background(), "u1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()

	if err := cfg.SetBaseURL("http://b.test"); err != nil {
		t.Fatalf("SetBaseURL: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := d.dialed(); len(got) != 1 {
		t.Fatalf("dials=%v want 1", got)
	}
}

func waitDials(t *testing.T, d *recordingDialer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(d.dialed()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("dials=%v want %d", d.dialed(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoordinator_StartRequiresUserAndPropagatesDialErrors(t *testing.T) {
	c, d, _ := newTestCoordinator(t)
	if err := c.Start(context.Background(), "", ""); !errors.Is(err, ErrNoUser) {
		t.Fatalf("want ErrNoUser, got %v", err)
	}

	d.err = errors.New("refused")
	if err := c.Start(context.Background(), "u1", ""); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestEndpoint(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":       "ws://localhost:8080/api/realtime",
		"https://api.entityauth.com/": "wss://api.entityauth.com/api/realtime",
		"https://h.test/prefix":       "wss://h.test/prefix/api/realtime",
	}
	for in, want := range cases {
		got, err := Endpoint(in)
		if err != nil || got != want {
			t.Fatalf("Endpoint(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := Endpoint("ftp://x"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestConstructors_SkipNilOptionsAndDefaultLogger(t *testing.T) {
	cfg := config.MustProvider(config.Configuration{Environment: config.Custom, BaseURL: "http://a.test"})
	c := New(cfg, &recordingDialer{}, nil, WithLogger(nil))
	t.Cleanup(c.Close)
	if c.log != slog.Default() {
		t.Fatalf("coordinator logger is not the default logger")
	}

	d := NewWSDialer(nil, nil, WithWSLogger(nil), WithWSHeaders(nil))
	if d.log != slog.Default() {
		t.Fatalf("dialer logger is not the default logger")
	}
	if d.headers != nil {
		t.Fatalf("nil header source installed")
	}
}
