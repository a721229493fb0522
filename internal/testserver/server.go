// Package testserver is an in-process EntityAuth backend for tests, demos and
// the realtime smoke tool. State lives in memory; access tokens are HS256 JWTs
// and refresh tokens are opaque, stored hashed and rotated on every refresh.
package testserver

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/entityauth/EntityKit-sub003/identity"
	"github.com/entityauth/EntityKit-sub003/internal/ids"
	"github.com/entityauth/EntityKit-sub003/security/token"
)

const (
	defaultAccessTTL = 15 * time.Minute

	sessionActive  = "active"
	sessionRevoked = "revoked"
)

type user struct {
	ID           string
	Email        string
	PasswordHash string
	Username     *string
	ImageURL     *string
}

type session struct {
	ID          string
	UserID      string
	RefreshHash string
	Status      string
	ActiveOrg   string
	Tenant      string
}

type org struct {
	ID          string
	Name        string
	Slug        string
	Description *string
	Tenant      string
}

type membership struct {
	OrgID    string
	Role     string
	JoinedAt int64
}

// Server is the fake backend.
type Server struct {
	log       *slog.Logger
	key       []byte
	accessTTL time.Duration
	now       func() time.Time

	mu          sync.Mutex
	users       map[string]*user
	byEmail     map[string]string
	sessions    map[string]*session
	refresh     map[string]string // refresh hash -> session id
	orgs        map[string]*org
	members     map[string][]membership // user id -> memberships
	entities    map[string]identity.Entity
	invitations map[string]*identity.Invitation
	hits        map[string]int
	faults      map[string][]int
	wsTenants   []string // tenant header of each realtime handshake

	hub *hub
	mux *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithAccessTTL sets the lifetime of minted access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		if d != 0 {
			s.accessTTL = d
		}
	}
}

// WithSigningKey overrides the random HS256 key.
func WithSigningKey(key []byte) Option {
	return func(s *Server) {
		if len(key) > 0 {
			s.key = key
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Server with empty state.
func New(opts ...Option) *Server {
	key := make([]byte, 32)
	_, _ = rand.Read(key)

	s := &Server{
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		key:         key,
		accessTTL:   defaultAccessTTL,
		now:         func() time.Time { return time.Now().UTC() },
		users:       make(map[string]*user),
		byEmail:     make(map[string]string),
		sessions:    make(map[string]*session),
		refresh:     make(map[string]string),
		orgs:        make(map[string]*org),
		members:     make(map[string][]membership),
		entities:    make(map[string]identity.Entity),
		invitations: make(map[string]*identity.Invitation),
		hits:        make(map[string]int),
		faults:      make(map[string][]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.log)
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// Start serves s on a loopback httptest server. Callers must Close it.
func Start(opts ...Option) (*Server, *httptest.Server) {
	s := New(opts...)
	return s, httptest.NewServer(s)
}

// ServeHTTP records the hit, applies injected faults and routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	status := 0
	if q := s.faults[r.URL.Path]; len(q) > 0 {
		status = q[0]
		s.faults[r.URL.Path] = q[1:]
	}
	s.mu.Unlock()

	if status != 0 {
		s.log.Debug("testserver.fault", "path", r.URL.Path, "status", status)
		writeError(w, status, "injected", http.StatusText(status))
		return
	}
	s.mux.ServeHTTP(w, r)
}

// ---- test controls ----

// Hits returns how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// FailNext makes the next request to path fail with status. Calls queue up.
func (s *Server) FailNext(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[path] = append(s.faults[path], status)
}

// SeedUser creates a user and returns its id.
func (s *Server) SeedUser(email, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUserLocked(identity.NormalizeEmail(email), password).ID
}

// SeedOrganization creates an organization with userID as a member and returns its id.
func (s *Server) SeedOrganization(userID, name, role string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.createOrgLocked(name, identity.Slugify(name), "")
	s.addMemberLocked(userID, o.ID, role)
	return o.ID
}

// IssueSession signs userID in and returns access and refresh tokens plus the session id.
func (s *Server) IssueSession(userID string) (access, refresh, sessionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueSessionLocked(userID, "")
}

// MintAccessToken signs an access token for an existing session with a custom ttl (negative for expired).
func (s *Server) MintAccessToken(sessionID string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[sessionID]
	if sess == nil {
		return "", errNotFound
	}
	return s.mintLocked(sess, ttl)
}

// RevokeSession revokes a session and notifies realtime subscribers.
func (s *Server) RevokeSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeLocked(sessionID)
}

// RenameUser changes a username server-side and notifies realtime subscribers.
func (s *Server) RenameUser(userID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.users[userID]; u != nil {
		u.Username = identity.Ptr(username)
		s.publishUserLocked(userID)
	}
}

// RemoveMembership drops userID from orgID and notifies realtime subscribers.
func (s *Server) RemoveMembership(userID, orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.members[userID][:0]
	for _, m := range s.members[userID] {
		if m.OrgID != orgID {
			kept = append(kept, m)
		}
	}
	s.members[userID] = kept
	s.publishMembershipsLocked(userID)
}

// DropRealtimeConnections closes every realtime connection as a server restart would.
func (s *Server) DropRealtimeConnections() { s.hub.disconnectAll() }

// RealtimeTenants returns the tenant header sent on each realtime handshake, in order.
func (s *Server) RealtimeTenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.wsTenants...)
}

// RealtimeSubscribers reports live realtime subscriptions across all connections.
func (s *Server) RealtimeSubscribers() int { return s.hub.count() }

// ---- state helpers (s.mu held) ----

func (s *Server) createUserLocked(email, password string) *user {
	u := &user{ID: "usr_" + strings.ToLower(ids.New()), Email: email, PasswordHash: token.HashSHA256Hex(password)}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return u
}

func (s *Server) createOrgLocked(name, slug, tenant string) *org {
	o := &org{ID: "org_" + strings.ToLower(ids.New()), Name: name, Slug: slug, Tenant: tenant}
	s.orgs[o.ID] = o
	return o
}

func (s *Server) addMemberLocked(userID, orgID, role string) {
	for _, m := range s.members[userID] {
		if m.OrgID == orgID {
			return
		}
	}
	s.members[userID] = append(s.members[userID], membership{OrgID: orgID, Role: role, JoinedAt: s.now().UnixMilli()})
	s.publishMembershipsLocked(userID)
}

func (s *Server) membershipLocked(userID, orgID string) (membership, bool) {
	for _, m := range s.members[userID] {
		if m.OrgID == orgID {
			return m, true
		}
	}
	return membership{}, false
}

func (s *Server) summariesLocked(userID string) []identity.OrganizationSummary {
	out := make([]identity.OrganizationSummary, 0, len(s.members[userID]))
	for _, m := range s.members[userID] {
		out = append(out, s.summaryLocked(m))
	}
	return out
}

func (s *Server) summaryLocked(m membership) identity.OrganizationSummary {
	sum := identity.OrganizationSummary{OrgID: m.OrgID, Role: m.Role, JoinedAt: m.JoinedAt}
	if o := s.orgs[m.OrgID]; o != nil {
		sum.Name = identity.Ptr(o.Name)
		sum.Slug = identity.Ptr(o.Slug)
		if o.Tenant != "" {
			sum.WorkspaceTenantID = identity.Ptr(o.Tenant)
		}
	}
	count := 0
	for _, ms := range s.members {
		for _, x := range ms {
			if x.OrgID == m.OrgID {
				count++
			}
		}
	}
	sum.MemberCount = identity.Ptr(count)
	return sum
}

func (s *Server) issueSessionLocked(userID, tenant string) (access, refresh, sessionID string, err error) {
	if s.users[userID] == nil {
		return "", "", "", errNotFound
	}
	sess := &session{ID: "ses_" + strings.ToLower(ids.New()), UserID: userID, Status: sessionActive, Tenant: tenant}
	if ms := s.members[userID]; len(ms) > 0 {
		sess.ActiveOrg = ms[0].OrgID
	}
	refresh, err = s.rotateRefreshLocked(sess)
	if err != nil {
		return "", "", "", err
	}
	s.sessions[sess.ID] = sess

	access, err = s.mintLocked(sess, s.accessTTL)
	if err != nil {
		return "", "", "", err
	}
	return access, refresh, sess.ID, nil
}

func (s *Server) rotateRefreshLocked(sess *session) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	plain := base64.RawURLEncoding.EncodeToString(b)

	if sess.RefreshHash != "" {
		delete(s.refresh, sess.RefreshHash)
	}
	sess.RefreshHash = token.HashSHA256Hex(plain)
	s.refresh[sess.RefreshHash] = sess.ID
	return plain, nil
}

func (s *Server) mintLocked(sess *session, ttl time.Duration) (string, error) {
	now := s.now()
	return token.Sign(token.Claims{
		SessionID: sess.ID,
		OrgID:     sess.ActiveOrg,
		Tenant:    sess.Tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID,
			ID:        ids.New(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}, s.key)
}

func (s *Server) revokeLocked(sessionID string) {
	sess := s.sessions[sessionID]
	if sess == nil || sess.Status != sessionActive {
		return
	}
	sess.Status = sessionRevoked
	delete(s.refresh, sess.RefreshHash)
	s.publishSessionLocked(sessionID)
}
