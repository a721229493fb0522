package testserver

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/entityauth/EntityKit-sub003/identity"
	"github.com/entityauth/EntityKit-sub003/internal/ids"
	"github.com/entityauth/EntityKit-sub003/security/token"
)

var errNotFound = errors.New("testserver: not found")

const (
	headerTenant = "x-workspace-tenant-id"
	inviteTTL    = 7 * 24 * time.Hour
)

type principal struct {
	UserID    string
	SessionID string
	Tenant    string
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/auth/logout", s.authed(s.handleLogout))
	s.mux.HandleFunc("GET /api/auth/bootstrap", s.authed(s.handleBootstrap))

	s.mux.HandleFunc("POST /api/org/create", s.authed(s.handleOrgCreate))
	s.mux.HandleFunc("POST /api/org/switch", s.authed(s.handleOrgSwitch))
	s.mux.HandleFunc("GET /api/org/list", s.authed(s.handleOrgList))

	s.mux.HandleFunc("POST /api/user/username", s.authed(s.handleSetUsername))

	s.mux.HandleFunc("GET /api/entities/get", s.authed(s.handleEntityGet))
	s.mux.HandleFunc("GET /api/entities/list", s.authed(s.handleEntityList))
	s.mux.HandleFunc("POST /api/entities/upsert", s.authed(s.handleEntityUpsert))

	s.mux.HandleFunc("POST /api/invitations/send", s.authed(s.handleInviteSend))
	s.mux.HandleFunc("POST /api/invitations/accept", s.authed(s.handleInviteAccept))
	s.mux.HandleFunc("POST /api/invitations/decline", s.authed(s.handleInviteDecline))
	s.mux.HandleFunc("POST /api/invitations/revoke", s.authed(s.handleInviteRevoke))
	s.mux.HandleFunc("GET /api/invitations/list", s.authed(s.handleInviteList))

	s.mux.HandleFunc("GET /api/realtime", s.handleRealtime)
}

// authenticate resolves a bearer access token to an active session.
func (s *Server) authenticate(raw string) (principal, bool) {
	c, err := token.Verify(raw, s.key)
	if err != nil {
		return principal{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[c.SessionID]
	if sess == nil || sess.Status != sessionActive || sess.UserID != c.Subject {
		return principal{}, false
	}
	return principal{UserID: sess.UserID, SessionID: sess.ID, Tenant: c.Tenant}, true
}

func (s *Server) authed(next func(http.ResponseWriter, *http.Request, principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		p, ok := s.authenticate(raw)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		if t := strings.TrimSpace(r.Header.Get(headerTenant)); t != "" {
			p.Tenant = t
		}
		next(w, r, p)
	}
}

// ---- auth ----

type credentials struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	WorkspaceTenantID string `json:"workspaceTenantId,omitempty"`
}

type sessionResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	email := identity.NormalizeEmail(req.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[s.byEmail[email]]
	if u == nil || subtle.ConstantTimeCompare([]byte(u.PasswordHash), []byte(token.HashSHA256Hex(req.Password))) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}
	s.writeSessionLocked(w, u.ID, tenantOf(r, req.WorkspaceTenantID))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	email := identity.NormalizeEmail(req.Email)
	if err := identity.ValidateEmail("register", email); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[email]; exists {
		writeError(w, http.StatusConflict, "email_taken", "email already registered")
		return
	}
	u := s.createUserLocked(email, req.Password)
	s.writeSessionLocked(w, u.ID, tenantOf(r, req.WorkspaceTenantID))
}

func (s *Server) writeSessionLocked(w http.ResponseWriter, userID, tenant string) {
	access, refresh, sid, err := s.issueSessionLocked(userID, tenant)
	if err != nil {
		s.log.Error("testserver.session.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{AccessToken: access, RefreshToken: refresh, SessionID: sid, UserID: userID})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refreshToken is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[s.refresh[token.HashSHA256Hex(req.RefreshToken)]]
	if sess == nil || sess.Status != sessionActive {
		writeError(w, http.StatusUnauthorized, "session_not_active", "session not active")
		return
	}
	refresh, err := s.rotateRefreshLocked(sess)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	access, err := s.mintLocked(sess, s.accessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access, "refreshToken": refresh})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request, p principal) {
	s.mu.Lock()
	s.revokeLocked(p.SessionID)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

type bootstrapResponse struct {
	UserID             string                         `json:"userId"`
	SessionID          string                         `json:"sessionId,omitempty"`
	Username           *string                        `json:"username,omitempty"`
	Email              *string                        `json:"email,omitempty"`
	ImageURL           *string                        `json:"imageUrl,omitempty"`
	Organizations      []identity.OrganizationSummary `json:"organizations"`
	ActiveOrganization *identity.ActiveOrganization   `json:"activeOrganization,omitempty"`
}

func (s *Server) handleBootstrap(w http.ResponseWriter, _ *http.Request, p principal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[p.UserID]
	if u == nil {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	resp := bootstrapResponse{
		UserID:        u.ID,
		SessionID:     p.SessionID,
		Username:      u.Username,
		Email:         identity.Ptr(u.Email),
		ImageURL:      u.ImageURL,
		Organizations: s.summariesLocked(u.ID),
	}
	if sess := s.sessions[p.SessionID]; sess != nil && sess.ActiveOrg != "" {
		if m, ok := s.membershipLocked(u.ID, sess.ActiveOrg); ok {
			active := s.summaryLocked(m).Activate()
			if o := s.orgs[m.OrgID]; o != nil {
				active.Description = o.Description
			}
			resp.ActiveOrganization = active
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- organizations ----

func (s *Server) handleOrgCreate(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		Name    string `json:"name"`
		Slug    string `json:"slug"`
		OwnerID string `json:"ownerId"`
	}
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Name) == "" || req.Slug == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name and slug are required")
		return
	}
	if req.OwnerID != p.UserID {
		writeError(w, http.StatusForbidden, "forbidden", "owner must be the caller")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orgs {
		if o.Slug == req.Slug {
			writeError(w, http.StatusConflict, "slug_taken", "slug already in use")
			return
		}
	}
	o := s.createOrgLocked(strings.TrimSpace(req.Name), req.Slug, p.Tenant)
	s.addMemberLocked(p.UserID, o.ID, "owner")
	m, _ := s.membershipLocked(p.UserID, o.ID)
	writeJSON(w, http.StatusOK, s.summaryLocked(m))
}

func (s *Server) handleOrgSwitch(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		OrgID string `json:"orgId"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.OrgID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "orgId is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.membershipLocked(p.UserID, req.OrgID); !ok {
		writeError(w, http.StatusNotFound, "not_a_member", "organization not found")
		return
	}
	sess := s.sessions[p.SessionID]
	sess.ActiveOrg = req.OrgID
	access, err := s.mintLocked(sess, s.accessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access, "orgId": req.OrgID})
}

func (s *Server) handleOrgList(w http.ResponseWriter, _ *http.Request, p principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"organizations": s.summariesLocked(p.UserID)})
}

// ---- users ----

func (s *Server) handleSetUsername(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	name := identity.NormalizeUsername(req.Username)
	if err := identity.ValidateUsername("username", name); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_username", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.ID != p.UserID && u.Username != nil && *u.Username == name {
			writeError(w, http.StatusConflict, "username_taken", "username already in use")
			return
		}
	}
	u := s.users[p.UserID]
	u.Username = identity.Ptr(name)
	s.publishUserLocked(u.ID)
	writeJSON(w, http.StatusOK, map[string]string{"userId": u.ID, "username": name})
}

// ---- entities ----

func (s *Server) handleEntityGet(w http.ResponseWriter, r *http.Request, p principal) {
	id := r.URL.Query().Get("id")

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok || e.WorkspaceTenantID != p.Tenant {
		writeError(w, http.StatusNotFound, "not_found", "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleEntityList(w http.ResponseWriter, r *http.Request, p principal) {
	kind := r.URL.Query().Get("kind")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	s.mu.Lock()
	out := make([]identity.Entity, 0)
	for _, e := range s.entities {
		if e.WorkspaceTenantID == p.Tenant && (kind == "" || e.Kind == kind) {
			out = append(out, e)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b identity.Entity) int { return strings.Compare(a.ID, b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": out})
}

func (s *Server) handleEntityUpsert(w http.ResponseWriter, r *http.Request, p principal) {
	var e identity.Entity
	if err := decodeJSON(w, r, &e); err != nil || e.Kind == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "kind is required")
		return
	}
	now := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = "ent_" + strings.ToLower(ids.New())
	}
	if prev, ok := s.entities[e.ID]; ok {
		if prev.WorkspaceTenantID != p.Tenant {
			writeError(w, http.StatusNotFound, "not_found", "entity not found")
			return
		}
		e.CreatedAt = prev.CreatedAt
	} else {
		e.CreatedAt = now
	}
	e.WorkspaceTenantID = p.Tenant
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = "active"
	}
	s.entities[e.ID] = e
	writeJSON(w, http.StatusOK, e)
}

// ---- invitations ----

func (s *Server) handleInviteSend(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		OrgID         string `json:"orgId"`
		InviteeUserID string `json:"inviteeUserId"`
		Role          string `json:"role"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.OrgID == "" || req.InviteeUserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "orgId and inviteeUserId are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.membershipLocked(p.UserID, req.OrgID)
	if !ok || (m.Role != "owner" && m.Role != "admin") {
		writeError(w, http.StatusForbidden, "forbidden", "only owners and admins can invite")
		return
	}
	if s.users[req.InviteeUserID] == nil {
		writeError(w, http.StatusNotFound, "not_found", "invitee not found")
		return
	}

	now := s.now()
	inv := &identity.Invitation{
		ID:            "inv_" + strings.ToLower(ids.New()),
		OrgID:         req.OrgID,
		InviteeUserID: req.InviteeUserID,
		InviterID:     p.UserID,
		Role:          req.Role,
		Status:        identity.InvitationPending,
		Token:         strings.ToLower(ids.New()),
		CreatedAt:     now.UnixMilli(),
		ExpiresAt:     now.Add(inviteTTL).UnixMilli(),
	}
	s.invitations[inv.ID] = inv
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleInviteAccept(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var inv *identity.Invitation
	for _, i := range s.invitations {
		if i.Token == req.Token {
			inv = i
			break
		}
	}
	if inv == nil || inv.InviteeUserID != p.UserID {
		writeError(w, http.StatusNotFound, "not_found", "invitation not found")
		return
	}
	if !s.pendingLocked(w, inv) {
		return
	}
	inv.Status = identity.InvitationAccepted
	s.addMemberLocked(p.UserID, inv.OrgID, inv.Role)
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleInviteDecline(w http.ResponseWriter, r *http.Request, p principal) {
	s.transitionInvite(w, r, p, identity.InvitationDeclined, func(inv *identity.Invitation) bool {
		return inv.InviteeUserID == p.UserID
	})
}

func (s *Server) handleInviteRevoke(w http.ResponseWriter, r *http.Request, p principal) {
	s.transitionInvite(w, r, p, identity.InvitationRevoked, func(inv *identity.Invitation) bool {
		m, ok := s.membershipLocked(p.UserID, inv.OrgID)
		return ok && (m.Role == "owner" || m.Role == "admin")
	})
}

func (s *Server) transitionInvite(w http.ResponseWriter, r *http.Request, _ principal, to identity.InvitationStatus, allowed func(*identity.Invitation) bool) {
	var req struct {
		InvitationID string `json:"invitationId"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.InvitationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "invitationId is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv := s.invitations[req.InvitationID]
	if inv == nil || !allowed(inv) {
		writeError(w, http.StatusNotFound, "not_found", "invitation not found")
		return
	}
	if !s.pendingLocked(w, inv) {
		return
	}
	inv.Status = to
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) pendingLocked(w http.ResponseWriter, inv *identity.Invitation) bool {
	if inv.Status == identity.InvitationPending && inv.ExpiresAt <= s.now().UnixMilli() {
		inv.Status = identity.InvitationExpired
	}
	if inv.Status != identity.InvitationPending {
		writeError(w, http.StatusConflict, "invitation_"+string(inv.Status), "invitation is "+string(inv.Status))
		return false
	}
	return true
}

func (s *Server) handleInviteList(w http.ResponseWriter, r *http.Request, p principal) {
	userID := r.URL.Query().Get("userId")
	if userID != p.UserID {
		writeError(w, http.StatusForbidden, "forbidden", "can only list own invitations")
		return
	}

	s.mu.Lock()
	out := make([]identity.Invitation, 0)
	for _, inv := range s.invitations {
		if inv.InviteeUserID == userID {
			out = append(out, *inv)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b identity.Invitation) int { return strings.Compare(a.ID, b.ID) })
	writeJSON(w, http.StatusOK, map[string]any{"invitations": out})
}

func tenantOf(r *http.Request, body string) string {
	if t := strings.TrimSpace(body); t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get(headerTenant))
}
