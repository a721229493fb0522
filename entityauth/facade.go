// Package entityauth is the SDK entry point. A Facade owns the session
// Snapshot: it bootstraps it from stored tokens, keeps it in step with token
// refreshes and realtime pushes, and clears it exactly once when the session
// can no longer be trusted.
package entityauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/entityauth/EntityKit-sub003/apiclient"
	"github.com/entityauth/EntityKit-sub003/authstate"
	"github.com/entityauth/EntityKit-sub003/config"
	"github.com/entityauth/EntityKit-sub003/identity"
	"github.com/entityauth/EntityKit-sub003/internal/pubsub"
	"github.com/entityauth/EntityKit-sub003/metrics"
	"github.com/entityauth/EntityKit-sub003/realtime"
	"github.com/entityauth/EntityKit-sub003/refresher"
	"github.com/entityauth/EntityKit-sub003/security/token"
	"github.com/entityauth/EntityKit-sub003/service"
)

// DefaultRefreshSkew is how close to expiry an access token may be before
// Initialize refreshes it up front.
const DefaultRefreshSkew = 60 * time.Second

var (
	ErrMissingDependency = errors.New("entityauth: missing dependency")
	ErrNotAuthenticated  = errors.New("entityauth: not authenticated")
	ErrInitializing      = errors.New("entityauth: initialization already running")
	ErrSessionChanged    = errors.New("entityauth: session changed during operation")
	ErrEmptyCredentials  = errors.New("entityauth: credentials carry no access token")
)

// Phase is the facade lifecycle position.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseAuthenticated
	PhaseUnauthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Invalidation causes, used as the metrics label.
const (
	causeUnauthorized   = "unauthorized"
	causeNotFound       = "not_found"
	causeRefreshFailed  = "refresh_failed"
	causeRefreshMissing = "refresh_token_missing"
	causeSessionRevoked = "session_revoked"
)

var invalidationReasons = map[string]string{
	causeUnauthorized:   "The server no longer accepts this session. Please sign in again.",
	causeNotFound:       "The account for this session no longer exists.",
	causeRefreshFailed:  "The session could not be renewed. Please sign in again.",
	causeRefreshMissing: "The session has no refresh token. Please sign in again.",
	causeSessionRevoked: "This session was signed out elsewhere.",
}

// Facade orchestrates the session. All methods are safe for concurrent use.
type Facade struct {
	log          *slog.Logger
	metrics      metrics.Recorder
	now          func() time.Time
	skew         time.Duration
	onInvalidate func(reason string)
	onError      func(op string, err error)

	cfg         *config.Provider
	state       *authstate.State
	refresher   TokenRefresher
	auth        AuthService
	orgs        OrganizationService
	users       UserService
	entities    EntityService
	invitations InvitationService
	rt          Realtime

	// mu guards the fields below. Token mutations the facade initiates itself
	// run under mu so the token follower never sees them half-applied.
	mu          sync.Mutex
	snap        Snapshot
	phase       Phase
	invalidated bool
	epoch       uint64

	bus      *pubsub.Broadcaster[Snapshot]
	tokenSub *pubsub.Subscription[authstate.TokenPair]

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closers   []func()
}

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Facade) {
		if log != nil {
			f.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(f *Facade) { f.metrics = metrics.OrNop(m) }
}

// WithRefreshSkew overrides DefaultRefreshSkew.
func WithRefreshSkew(d time.Duration) Option {
	return func(f *Facade) {
		if d >= 0 {
			f.skew = d
		}
	}
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(f *Facade) {
		if now != nil {
			f.now = now
		}
	}
}

// WithInvalidationHandler registers fn to run once per invalidation with a
// human-readable reason. fn runs outside the facade lock.
func WithInvalidationHandler(fn func(reason string)) Option {
	return func(f *Facade) { f.onInvalidate = fn }
}

// WithErrorObserver receives errors the facade absorbs instead of returning:
// transient initialization failures, realtime start failures and best-effort logout.
func WithErrorObserver(fn func(op string, err error)) Option {
	return func(f *Facade) { f.onError = fn }
}

// New wires a Facade over deps. The initial Snapshot carries whatever tokens
// deps.State already holds; call Initialize to bootstrap the rest.
func New(deps Dependencies, opts ...Option) (*Facade, error) {
	switch {
	case deps.State == nil:
		return nil, fmt.Errorf("%w: State", ErrMissingDependency)
	case deps.Refresher == nil:
		return nil, fmt.Errorf("%w: Refresher", ErrMissingDependency)
	case deps.Auth == nil:
		return nil, fmt.Errorf("%w: Auth", ErrMissingDependency)
	case deps.Organizations == nil:
		return nil, fmt.Errorf("%w: Organizations", ErrMissingDependency)
	case deps.Users == nil:
		return nil, fmt.Errorf("%w: Users", ErrMissingDependency)
	}

	pair := deps.State.Current()
	f := &Facade{
		log:     slog.Default(),
		metrics: metrics.Nop{},
		now:     time.Now,
		skew:    DefaultRefreshSkew,

		cfg:         deps.Config,
		state:       deps.State,
		refresher:   deps.Refresher,
		auth:        deps.Auth,
		orgs:        deps.Organizations,
		users:       deps.Users,
		entities:    deps.Entities,
		invitations: deps.Invitations,
		rt:          deps.Realtime,

		snap:        Snapshot{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken},
		invalidated: pair.IsZero(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	f.bus = pubsub.New(pubsub.WithReplayLatest(f.snap))
	f.tokenSub = f.state.Subscribe()

	f.wg.Add(1)
	go f.followTokens()
	if f.rt != nil {
		f.wg.Add(1)
		go f.followRealtime(f.rt.Events())
	}
	return f, nil
}

// Snapshot returns a copy of the current session view.
func (f *Facade) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.clone()
}

// Phase returns the lifecycle phase.
func (f *Facade) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// Subscribe streams the latest Snapshot followed by every transition in order.
func (f *Facade) Subscribe() *pubsub.Subscription[Snapshot] { return f.bus.Subscribe() }

// Config returns the configuration provider, or nil when none was supplied.
func (f *Facade) Config() *config.Provider { return f.cfg }

// Entities returns the entities service, or nil when none was supplied.
func (f *Facade) Entities() EntityService { return f.entities }

// Invitations returns the invitations service, or nil when none was supplied.
func (f *Facade) Invitations() InvitationService { return f.invitations }

// Initialize refreshes a near-expiry access token, then bootstraps identity and
// memberships. A rejected session is invalidated and the triggering error
// returned. Other failures keep the tokens, reach the error observer and are returned.
func (f *Facade) Initialize(ctx context.Context) error {
	f.mu.Lock()
	if f.phase == PhaseInitializing {
		f.mu.Unlock()
		return ErrInitializing
	}
	f.phase = PhaseInitializing
	epoch := f.epoch
	f.mu.Unlock()

	pair := f.state.Current()
	if pair.IsZero() {
		f.finishInit(epoch, PhaseUnauthenticated)
		f.log.Info("auth.initialize", "result", "signed_out")
		return nil
	}

	if f.needsRefresh(pair.AccessToken) {
		if _, err := f.refresher.Refresh(ctx); err != nil {
			return f.initFailed(ctx, epoch, "initialize.refresh", err)
		}
		f.syncTokens()
	}

	boot, err := f.auth.Bootstrap(ctx)
	if err != nil {
		return f.initFailed(ctx, epoch, "initialize.bootstrap", err)
	}
	if !f.applyBootstrap(epoch, boot) {
		return ErrSessionChanged
	}

	f.log.Info("auth.initialize", "result", "authenticated", "user_id", boot.UserID)
	f.startRealtime(ctx)
	return nil
}

// Login exchanges email and password for a session and bootstraps it.
func (f *Facade) Login(ctx context.Context, email, password string) error {
	resp, err := f.auth.Login(ctx, f.credentials(email, password))
	if err != nil {
		return err
	}
	return f.establish(ctx, "login", resp)
}

// Register creates an account and signs into it.
func (f *Facade) Register(ctx context.Context, email, password string) error {
	resp, err := f.auth.Register(ctx, f.credentials(email, password))
	if err != nil {
		return err
	}
	return f.establish(ctx, "register", resp)
}

// LoginWithAuthenticator runs an external ceremony and adopts its credentials.
func (f *Facade) LoginWithAuthenticator(ctx context.Context, a Authenticator) error {
	if a == nil {
		return fmt.Errorf("%w: Authenticator", ErrMissingDependency)
	}
	resp, err := a.Authenticate(ctx)
	if err != nil {
		return err
	}
	return f.establish(ctx, "authenticator", resp)
}

// ApplyCredentials adopts credentials obtained outside the SDK.
func (f *Facade) ApplyCredentials(ctx context.Context, resp service.LoginResponse) error {
	return f.establish(ctx, "apply_credentials", resp)
}

// Logout tells the server (best effort) and always clears local state.
// The invalidation handler is not called.
func (f *Facade) Logout(ctx context.Context) error {
	snap := f.Snapshot()
	if snap.AccessToken != "" || snap.RefreshToken != "" {
		req := service.LogoutRequest{SessionID: snap.SessionID, RefreshToken: snap.RefreshToken}
		if err := f.auth.Logout(ctx, req); err != nil {
			f.log.Warn("auth.logout.fail", "session_id", snap.SessionID, "err", err)
			f.observe("logout", err)
		}
	}

	f.mu.Lock()
	f.invalidated = true
	err := f.clearLocked(ctx)
	f.mu.Unlock()

	f.stopRealtime()
	f.log.Info("auth.logout", "user_id", snap.UserID, "session_id", snap.SessionID)
	return err
}

// RefreshTokens forces a refresh. A rejected refresh invalidates the session.
func (f *Facade) RefreshTokens(ctx context.Context) error {
	if _, err := f.refresher.Refresh(ctx); err != nil {
		return f.fail(ctx, err)
	}
	f.syncTokens()
	return nil
}

// CreateOrganization creates an org owned by the signed-in user and adds it to
// the Snapshot. The active org does not change.
func (f *Facade) CreateOrganization(ctx context.Context, name, slug string) (identity.OrganizationSummary, error) {
	epoch, snap := f.begin()
	if snap.UserID == "" {
		return identity.OrganizationSummary{}, ErrNotAuthenticated
	}

	org, err := f.orgs.Create(ctx, name, slug, snap.UserID)
	if err != nil {
		return identity.OrganizationSummary{}, f.fail(ctx, err)
	}

	f.mutate(epoch, func(next *Snapshot) {
		if i := slices.IndexFunc(next.Organizations, func(o identity.OrganizationSummary) bool { return o.OrgID == org.OrgID }); i >= 0 {
			next.Organizations[i] = cloneOrg(org)
			return
		}
		next.Organizations = append(next.Organizations, cloneOrg(org))
	})
	return org, nil
}

// SwitchOrganization makes orgID active. The Snapshot changes only after the
// server accepts the switch, and then carries the org-scoped access token.
func (f *Facade) SwitchOrganization(ctx context.Context, orgID string) error {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return identity.Invalid("switch organization", "organization id is required")
	}
	epoch, _ := f.begin()

	res, err := f.orgs.Switch(ctx, orgID)
	if err != nil {
		return f.fail(ctx, err)
	}
	if res.OrgID == "" {
		res.OrgID = orgID
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.epoch != epoch {
		return ErrSessionChanged
	}
	if res.AccessToken != "" {
		if err := f.state.UpdateAccess(ctx, res.AccessToken); err != nil {
			return err
		}
	}

	pair := f.state.Current()
	next := f.snap.clone()
	next.AccessToken, next.RefreshToken = pair.AccessToken, pair.RefreshToken
	if org, ok := identity.FindOrganization(next.Organizations, res.OrgID); ok {
		next.ActiveOrganization = cloneOrg(org).Activate()
	} else {
		next.ActiveOrganization = identity.OrganizationSummary{OrgID: res.OrgID}.Activate()
	}
	f.commitLocked(next)

	f.log.Info("auth.org.switch", "org_id", res.OrgID, "user_id", next.UserID)
	return nil
}

// SetUsername changes the signed-in user's username.
func (f *Facade) SetUsername(ctx context.Context, username string) error {
	epoch, _ := f.begin()

	res, err := f.users.SetUsername(ctx, username)
	if err != nil {
		return f.fail(ctx, err)
	}

	f.mutate(epoch, func(next *Snapshot) { next.Username = identity.Ptr(res.Username) })
	return nil
}

// ListOrganizations fetches memberships and replaces the Snapshot's list.
func (f *Facade) ListOrganizations(ctx context.Context) ([]identity.OrganizationSummary, error) {
	epoch, _ := f.begin()

	orgs, err := f.orgs.List(ctx)
	if err != nil {
		return nil, f.fail(ctx, err)
	}

	f.mutate(epoch, func(next *Snapshot) {
		next.Organizations = nonNil(cloneOrgs(orgs))
		reconcileActive(next)
	})
	return orgs, nil
}

// Close stops background work, ends Snapshot subscriptions and releases any
// resources the facade was built with. It does not call Logout.
func (f *Facade) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
		f.tokenSub.Close()
		f.wg.Wait()
		f.bus.Close()
		for i := len(f.closers) - 1; i >= 0; i-- {
			f.closers[i]()
		}
	})
}

func (f *Facade) credentials(email, password string) service.Credentials {
	c := service.Credentials{Email: email, Password: password}
	if f.cfg != nil {
		c.WorkspaceTenantID = f.cfg.WorkspaceTenantID()
	}
	return c
}

// establish commits fresh credentials, re-arms invalidation and bootstraps.
func (f *Facade) establish(ctx context.Context, op string, resp service.LoginResponse) error {
	if resp.AccessToken == "" {
		return ErrEmptyCredentials
	}
	claims, _ := token.Parse(resp.AccessToken)

	f.mu.Lock()
	if err := f.state.Update(ctx, resp.AccessToken, resp.RefreshToken); err != nil {
		f.mu.Unlock()
		return err
	}
	f.epoch++
	epoch := f.epoch
	f.invalidated = false
	f.phase = PhaseAuthenticated
	f.commitLocked(Snapshot{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		SessionID:    firstNonEmpty(resp.SessionID, claims.SessionID),
		UserID:       firstNonEmpty(resp.UserID, claims.Subject),
	})
	f.mu.Unlock()

	f.log.Info("auth.login.ok", "via", op, "user_id", resp.UserID, "session_id", resp.SessionID)

	boot, err := f.auth.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap after %s: %w", op, f.fail(ctx, err))
	}
	if !f.applyBootstrap(epoch, boot) {
		return ErrSessionChanged
	}
	f.startRealtime(ctx)
	return nil
}

func (f *Facade) needsRefresh(access string) bool {
	if access == "" {
		return true
	}
	soon, err := token.ExpiresWithin(access, f.now(), f.skew)
	if err != nil {
		// Opaque token: let the server decide through the 401 path.
		return false
	}
	return soon
}

func (f *Facade) finishInit(epoch uint64, phase Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.epoch == epoch && f.phase == PhaseInitializing {
		f.phase = phase
	}
}

func (f *Facade) initFailed(ctx context.Context, epoch uint64, op string, err error) error {
	if cause, ok := invalidationCause(err, true); ok {
		f.invalidate(ctx, cause)
		f.finishInit(epoch, PhaseUnauthenticated)
		return err
	}
	f.log.Warn("auth.initialize.fail", "op", op, "err", err)
	f.finishInit(epoch, PhaseAuthenticated)
	f.observe(op, err)
	return err
}

// fail invalidates on a rejected session and returns err unchanged.
func (f *Facade) fail(ctx context.Context, err error) error {
	if cause, ok := invalidationCause(err, false); ok {
		f.invalidate(ctx, cause)
	}
	return err
}

func invalidationCause(err error, bootstrap bool) (string, bool) {
	switch {
	case errors.Is(err, apiclient.ErrUnauthorized):
		return causeUnauthorized, true
	case errors.Is(err, refresher.ErrRefreshTokenMissing):
		return causeRefreshMissing, true
	case errors.Is(err, refresher.ErrRefreshFailed):
		return causeRefreshFailed, true
	case bootstrap && errors.Is(err, apiclient.ErrNotFound):
		return causeNotFound, true
	}
	return "", false
}

// invalidate clears the session once per authentication. Concurrent callers
// after the first are no-ops.
func (f *Facade) invalidate(ctx context.Context, cause string) {
	f.mu.Lock()
	if f.invalidated {
		f.mu.Unlock()
		return
	}
	f.invalidated = true
	err := f.clearLocked(ctx)
	f.mu.Unlock()

	reason := invalidationReasons[cause]
	f.metrics.Invalidated(cause)
	f.log.Warn("auth.invalidate", "cause", cause)
	if err != nil {
		f.observe("invalidate.clear", err)
	}

	f.stopRealtime()
	if f.onInvalidate != nil {
		f.onInvalidate(reason)
	}
}

// clearLocked wipes tokens and publishes the empty Snapshot in one emission.
// A store failure is returned, but memory is cleared regardless.
func (f *Facade) clearLocked(ctx context.Context) error {
	f.epoch++
	err := f.state.Clear(context.WithoutCancel(ctx))
	if err != nil {
		f.log.Warn("auth.tokens.clear.fail", "err", err)
	}
	f.phase = PhaseUnauthenticated
	f.commitLocked(Snapshot{})
	return err
}

func (f *Facade) applyBootstrap(epoch uint64, boot service.BootstrapResponse) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.epoch != epoch {
		return false
	}

	pair := f.state.Current()
	claims, _ := token.Parse(pair.AccessToken)
	next := Snapshot{
		AccessToken:   pair.AccessToken,
		RefreshToken:  pair.RefreshToken,
		SessionID:     firstNonEmpty(boot.SessionID, f.snap.SessionID, claims.SessionID),
		UserID:        firstNonEmpty(boot.UserID, f.snap.UserID, claims.Subject),
		Username:      clonePtr(boot.Username),
		Email:         clonePtr(boot.Email),
		ImageURL:      clonePtr(boot.ImageURL),
		Organizations: nonNil(cloneOrgs(boot.Organizations)),
	}
	if boot.ActiveOrganization != nil {
		a := *boot.ActiveOrganization
		a.OrganizationSummary = cloneOrg(a.OrganizationSummary)
		a.Description = clonePtr(a.Description)
		next.ActiveOrganization = &a
	}

	f.phase = PhaseAuthenticated
	f.invalidated = false
	f.commitLocked(next)
	return true
}

// begin captures the epoch an operation's result must still match.
func (f *Facade) begin() (uint64, Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch, f.snap
}

// mutate applies edit to a copy of the Snapshot unless the session changed since epoch.
func (f *Facade) mutate(epoch uint64, edit func(next *Snapshot)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.epoch != epoch {
		return false
	}
	next := f.snap.clone()
	edit(&next)
	return f.commitLocked(next)
}

// commitLocked replaces and publishes the Snapshot if it changed.
func (f *Facade) commitLocked(next Snapshot) bool {
	if next.equal(f.snap) {
		return false
	}
	f.snap = next
	f.bus.Publish(next)
	return true
}

// syncTokens copies the committed token pair into the Snapshot.
func (f *Facade) syncTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()

	pair := f.state.Current()
	if pair.AccessToken == f.snap.AccessToken && pair.RefreshToken == f.snap.RefreshToken {
		return
	}
	next := f.snap.clone()
	next.AccessToken, next.RefreshToken = pair.AccessToken, pair.RefreshToken
	f.commitLocked(next)
	f.log.Debug("auth.tokens.sync", "tokens", pair)
}

func (f *Facade) followTokens() {
	defer f.wg.Done()
	for range f.tokenSub.C() {
		f.syncTokens()
	}
}

func (f *Facade) followRealtime(events <-chan realtime.Event) {
	defer f.wg.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.ingest(ev)
		case <-f.done:
			return
		}
	}
}

// ingest merges a realtime event into the Snapshot. Events outside an
// authenticated session are dropped.
func (f *Facade) ingest(ev realtime.Event) {
	f.mu.Lock()
	if f.phase != PhaseAuthenticated {
		f.mu.Unlock()
		return
	}
	if ev.Kind == realtime.SessionInvalidated {
		f.mu.Unlock()
		f.log.Info("realtime.session.invalidated", "session_id", ev.SessionID, "status", ev.Status)
		f.invalidate(context.Background(), causeSessionRevoked)
		return
	}
	defer f.mu.Unlock()

	next := f.snap.clone()
	switch ev.Kind {
	case realtime.UsernameChanged:
		next.Username = clonePtr(ev.Username)
	case realtime.OrganizationsChanged:
		next.Organizations = nonNil(cloneOrgs(ev.Organizations))
		reconcileActive(&next)
	case realtime.ActiveOrganizationChanged:
		switch {
		case ev.ActiveOrganization == nil:
			if !ev.Fallback {
				next.ActiveOrganization = nil
			}
		case !ev.Fallback || !next.hasActiveIn(next.Organizations):
			next.ActiveOrganization = cloneOrg(*ev.ActiveOrganization).Activate()
		}
	default:
		return
	}
	f.commitLocked(next)
}

// reconcileActive keeps the active org when it is still a membership, refreshing
// its summary, and otherwise falls back to the first membership.
func reconcileActive(next *Snapshot) {
	if cur := next.ActiveOrganization; cur != nil {
		if org, ok := identity.FindOrganization(next.Organizations, cur.OrgID); ok {
			active := org.Activate()
			active.Description = cur.Description
			next.ActiveOrganization = active
			return
		}
	}
	if len(next.Organizations) > 0 {
		next.ActiveOrganization = next.Organizations[0].Activate()
		return
	}
	next.ActiveOrganization = nil
}

func (f *Facade) startRealtime(ctx context.Context) {
	if f.rt == nil {
		return
	}
	snap := f.Snapshot()
	if snap.UserID == "" {
		return
	}
	if err := f.rt.Start(ctx, snap.UserID, snap.SessionID); err != nil {
		f.log.Warn("realtime.start.fail", "user_id", snap.UserID, "err", err)
		f.observe("realtime.start", err)
	}
}

func (f *Facade) stopRealtime() {
	if f.rt != nil {
		f.rt.Stop()
	}
}

func (f *Facade) observe(op string, err error) {
	if f.onError != nil && err != nil {
		f.onError(op, err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonNil(orgs []identity.OrganizationSummary) []identity.OrganizationSummary {
	if orgs == nil {
		return []identity.OrganizationSummary{}
	}
	return orgs
}
