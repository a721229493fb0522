package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityauth/EntityKit-sub003/identity"
	"github.com/entityauth/EntityKit-sub003/internal/testserver"
)

type cliHarness struct {
	t      *testing.T
	config string
	srv    *testserver.Server
	orgID  string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()

	srv, hs := testserver.Start()
	t.Cleanup(hs.Close)
	uid := srv.SeedUser("ada@example.com", "correct horse")
	oid := srv.SeedOrganization(uid, "Acme", "owner")

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	t.Setenv("ENTITYAUTH_SEAL_MEMORY_KIB", "8192")
	t.Setenv("ENTITYAUTH_SEAL_ITERATIONS", "1")

	dir := t.TempDir()
	path := filepath.Join(dir, "entityauth.yaml")
	body := "environment: custom\n" +
		"baseURL: " + hs.URL + "\n" +
		"workspaceTenantId: w1\n" +
		"tokenStore:\n" +
		"  kind: file\n" +
		"  path: " + filepath.Join(dir, "session.tokens") + "\n" +
		"  passphrase: hunter2\n" +
		"log:\n" +
		"  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return &cliHarness{t: t, config: path, srv: srv, orgID: oid}
}

func (h *cliHarness) run(args ...string) (string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	err := Execute(context.Background(), append([]string{"--config", h.config}, args...), &out, &errOut)
	return out.String(), err
}

func (h *cliHarness) session(args ...string) sessionView {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err)
	var v sessionView
	require.NoError(h.t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestCLI_SessionRoundTrip(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run("whoami")
	require.ErrorIs(t, err, ErrNotSignedIn)

	_, err = h.run("login", "--email", "ada@example.com", "--password", "wrong")
	require.Error(t, err)

	v := h.session("login", "--email", "ada@example.com", "--password", "correct horse")
	assert.Equal(t, "authenticated", v.Phase)
	require.NotEmpty(t, v.UserID)

	// A new process restores the stored session.
	v = h.session("whoami")
	assert.Equal(t, "ada@example.com", identity.Deref(v.Email))
	require.NotNil(t, v.ActiveOrganization)
	assert.Equal(t, h.orgID, v.ActiveOrganization.OrgID)

	out, err := h.run("orgs", "create", "Beta Corp")
	require.NoError(t, err)
	var beta identity.OrganizationSummary
	require.NoError(t, json.Unmarshal([]byte(out), &beta))
	assert.Equal(t, "beta-corp", identity.Deref(beta.Slug))

	out, err = h.run("orgs", "switch", beta.OrgID)
	require.NoError(t, err)
	assert.Contains(t, out, beta.OrgID)

	v = h.session("whoami")
	require.NotNil(t, v.ActiveOrganization)
	assert.Equal(t, beta.OrgID, v.ActiveOrganization.OrgID)

	out, err = h.run("status")
	require.NoError(t, err)
	var st statusView
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Len(t, st.Memberships, 2)

	v = h.session("username", "set", "ada_l")
	assert.Equal(t, "ada_l", identity.Deref(v.Username))

	out, err = h.run("logout")
	require.NoError(t, err)
	assert.Equal(t, "signed out\n", out)

	_, err = h.run("whoami")
	require.ErrorIs(t, err, ErrNotSignedIn)
}

func TestCLI_RegisterUsesEnvPassword(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run("register", "--email", "bob@example.com")
	require.Error(t, err, "no password anywhere")

	t.Setenv("ENTITYAUTH_PASSWORD", "s3cret pass")
	v := h.session("register", "--email", "bob@example.com")
	assert.Equal(t, "bob@example.com", identity.Deref(v.Email))

	// The registered account can sign in again.
	_, err = h.run("logout")
	require.NoError(t, err)
	v = h.session("login", "--email", "bob@example.com")
	assert.NotEmpty(t, v.UserID)
}

func TestCLI_RevokedSessionIsNotSignedIn(t *testing.T) {
	h := newCLIHarness(t)

	v := h.session("login", "--email", "ada@example.com", "--password", "correct horse")
	h.srv.RevokeSession(v.SessionID)

	_, err := h.run("whoami")
	require.Error(t, err)

	// The rejected session was cleared, so the next run sees no session at all.
	_, err = h.run("whoami")
	require.ErrorIs(t, err, ErrNotSignedIn)
}

func TestCLI_ConfigShowRedacts(t *testing.T) {
	h := newCLIHarness(t)
	t.Setenv("ENTITYAUTH_DATABASE_URL", "postgres://app:topsecret@db:5432/auth")

	out, err := h.run("config", "show", "--tenant", "w2")
	require.NoError(t, err)
	assert.Contains(t, out, "passphrase: REDACTED")
	assert.Contains(t, out, "workspaceTenantId: w2")
	assert.Contains(t, out, "postgres://REDACTED@db:5432/auth")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "topsecret")
}

func TestRedactURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                             "",
		"redis://localhost:6379/0":     "redis://localhost:6379/0",
		"redis://:pw@localhost:6379/0": "redis://REDACTED@localhost:6379/0",
		"not a url":                    "not a url",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Fatalf("redactURL(%q)=%q want=%q", in, got, want)
		}
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"login", "register", "logout", "whoami", "refresh", "status", "orgs", "username", "entities", "watch", "config"} {
		assert.Contains(t, joined, want)
	}
}
