package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityauth/EntityKit-sub003/apiclient"
	"github.com/entityauth/EntityKit-sub003/authstate"
	"github.com/entityauth/EntityKit-sub003/config"
	"github.com/entityauth/EntityKit-sub003/identity"
	"github.com/entityauth/EntityKit-sub003/refresher"
	"github.com/entityauth/EntityKit-sub003/service"
	"github.com/entityauth/EntityKit-sub003/tokenstore"
)

// recordingSender captures the last request and replies with a canned body.
type recordingSender struct {
	last  apiclient.Request
	calls int
	body  string
	err   error
}

func (s *recordingSender) Send(_ context.Context, req apiclient.Request) ([]byte, error) {
	s.last = req
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.body), nil
}

func newClient(t *testing.T, h http.HandlerFunc) *apiclient.Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := config.MustProvider(config.Configuration{Environment: config.Custom, BaseURL: srv.URL})
	state := authstate.New(tokenstore.NewMemory("a", "r"))
	_, err := state.Load(context.Background())
	require.NoError(t, err)

	c, err := apiclient.New(cfg, state, apiclient.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return c
}

func TestAuth_LoginNormalizesAndIsPublic(t *testing.T) {
	s := &recordingSender{body: `{"accessToken":"a","refreshToken":"r","sessionId":"s1","userId":"u1"}`}

	res, err := service.NewAuth(s).Login(context.Background(), service.Credentials{Email: "  Ada@Example.COM ", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, service.LoginResponse{AccessToken: "a", RefreshToken: "r", SessionID: "s1", UserID: "u1"}, res)

	assert.Equal(t, "/api/auth/login", s.last.Path)
	assert.False(t, s.last.RequiresAuthentication)
	assert.Equal(t, "ada@example.com", s.last.Body.(service.Credentials).Email)
}

func TestAuth_LoginRejectsBadInputWithoutCallingServer(t *testing.T) {
	s := &recordingSender{}
	a := service.NewAuth(s)

	_, err := a.Login(context.Background(), service.Credentials{Email: "nope", Password: "pw"})
	assert.True(t, identity.IsInvalidInput(err))

	_, err = a.Register(context.Background(), service.Credentials{Email: "ada@example.com"})
	assert.True(t, identity.IsInvalidInput(err))

	assert.Zero(t, s.calls)
}

func TestAuth_RefreshMapsRejectionToRefreshError(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusForbidden} {
		c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})
		_, err := service.NewAuth(c).Refresh(context.Background(), "r")
		assert.ErrorIs(t, err, refresher.ErrRefreshFailed, "status %d", status)
	}

	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := service.NewAuth(c).Refresh(context.Background(), "r")
	assert.ErrorIs(t, err, refresher.ErrRefreshFailed)
}

func TestAuth_RefreshKeepsServerErrorsDistinct(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := service.NewAuth(c).Refresh(context.Background(), "r")
	require.Error(t, err)
	assert.False(t, refresher.IsRefreshFailure(err))
	assert.ErrorIs(t, err, apiclient.ErrNetwork)
}

func TestAuth_RefreshSendsTokenAndDecodesPair(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body service.RefreshRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path != "/api/auth/refresh" || body.RefreshToken != "r" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"accessToken":"a2","refreshToken":"r2"}`)
	})

	res, err := service.NewAuth(c).Refresh(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, refresher.Result{AccessToken: "a2", RefreshToken: "r2"}, res)

	_, err = service.NewAuth(c).Refresh(context.Background(), "")
	assert.ErrorIs(t, err, refresher.ErrRefreshTokenMissing)
}

func TestOrganizations_CreateDerivesSlug(t *testing.T) {
	s := &recordingSender{body: `{"orgId":"o1","name":"Acme Inc.","slug":"acme-inc","role":"owner","joinedAt":1}`}

	org, err := service.NewOrganizations(s).Create(context.Background(), "Acme Inc.", "", "u1")
	require.NoError(t, err)
	assert.Equal(t, "o1", org.OrgID)

	req := s.last.Body.(service.CreateOrganizationRequest)
	assert.Equal(t, "acme-inc", req.Slug)
	assert.Equal(t, "u1", req.OwnerID)
	assert.True(t, s.last.RequiresAuthentication)
}

func TestOrganizations_SwitchAndList(t *testing.T) {
	s := &recordingSender{body: `{"accessToken":"scoped","orgId":"org_123"}`}
	orgs := service.NewOrganizations(s)

	res, err := orgs.Switch(context.Background(), "org_123")
	require.NoError(t, err)
	assert.Equal(t, "scoped", res.AccessToken)

	_, err = orgs.Switch(context.Background(), " ")
	assert.True(t, identity.IsInvalidInput(err))

	s.body = `{"organizations":[{"orgId":"o1","role":"owner","joinedAt":1},{"orgId":"o2","role":"member","joinedAt":2}]}`
	list, err := orgs.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "o2", list[1].OrgID)
}

func TestUsers_SetUsernameValidates(t *testing.T) {
	s := &recordingSender{body: `{"userId":"u1","username":"ada"}`}
	users := service.NewUsers(s)

	res, err := users.SetUsername(context.Background(), "  Ada ")
	require.NoError(t, err)
	assert.Equal(t, "ada", res.Username)
	assert.Equal(t, "ada", s.last.Body.(service.SetUsernameRequest).Username)

	_, err = users.SetUsername(context.Background(), "!")
	assert.True(t, identity.IsInvalidInput(err))
	assert.Equal(t, 1, s.calls)
}

func TestEntities_ListBuildsQuery(t *testing.T) {
	s := &recordingSender{body: `{"entities":[{"id":"e1","kind":"note"}]}`}

	list, err := service.NewEntities(s).List(context.Background(), "note", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "note", s.last.Query.Get("kind"))
	assert.Equal(t, "10", s.last.Query.Get("limit"))
	assert.Equal(t, http.MethodGet, s.last.Method)
}

func TestInvitations_PropagatesNotFound(t *testing.T) {
	s := &recordingSender{err: &apiclient.NetworkError{StatusCode: http.StatusNotFound}}

	_, err := service.NewInvitations(s).Accept(context.Background(), "tok")
	assert.ErrorIs(t, err, apiclient.ErrNotFound)

	_, err = service.NewInvitations(s).Revoke(context.Background(), "")
	assert.True(t, identity.IsInvalidInput(err))
	assert.False(t, errors.Is(err, apiclient.ErrNotFound))
}

func TestInvitations_SendDefaultsRole(t *testing.T) {
	s := &recordingSender{body: `{"id":"i1","status":"pending"}`}

	inv, err := service.NewInvitations(s).Send(context.Background(), "o1", "u2", "")
	require.NoError(t, err)
	assert.Equal(t, identity.InvitationStatus("pending"), inv.Status)
	assert.Equal(t, "member", s.last.Body.(service.SendInvitationRequest).Role)
}
