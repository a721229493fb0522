// Package main is a CI-friendly smoke test for the EntityAuth realtime wire protocol.
//
// It validates:
//   - password login over HTTP
//   - handshake + subprotocol selection
//   - hello/hello_ack authentication
//   - users.byId and sessions.byId subscriptions deliver their current value
//   - unknown channels are rejected with an error envelope
//   - a bad hello token is refused
//   - (in-process backend only) revoking the session pushes a non-active status
//
// With -base-url empty it starts the in-process fake backend with a seeded user.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/entityauth/EntityKit-sub003/apiclient"
	"github.com/entityauth/EntityKit-sub003/authstate"
	"github.com/entityauth/EntityKit-sub003/config"
	"github.com/entityauth/EntityKit-sub003/internal/ids"
	"github.com/entityauth/EntityKit-sub003/internal/testserver"
	"github.com/entityauth/EntityKit-sub003/service"
	v1 "github.com/entityauth/EntityKit-sub003/shared/contracts/realtime/v1"
	"github.com/entityauth/EntityKit-sub003/tokenstore"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL  = flag.String("base-url", "", "API base URL (empty starts an in-process backend)")
		tenant   = flag.String("tenant", "", "workspace tenant id")
		email    = flag.String("email", "smoke@example.com", "account email")
		password = flag.String("password", "smoke-pass", "account password")
		origin   = flag.String("origin", "", "Origin header to send (browser-like WS handshake)")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	var fake *testserver.Server
	if *baseURL == "" {
		srv, hs := testserver.Start()
		defer hs.Close()
		uid := srv.SeedUser(*email, *password)
		srv.SeedOrganization(uid, "Smoke", "owner")
		fake, *baseURL = srv, hs.URL
	}

	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	wsURL, err := realtimeURL(*baseURL)
	if err != nil {
		fatalf("invalid -base-url: %v", err)
	}

	root := context.Background()

	login := mustLogin(root, *baseURL, *tenant, *email, *password, *timeout)
	if *verbose {
		fmt.Printf("login: user_id=%s session_id=%s\n", login.UserID, login.SessionID)
	}

	a := mustConnect(root, "A", wsURL, *origin, login.AccessToken, login.UserID, *timeout)
	defer closeWS(a.conn)

	var user v1.UserValue
	mustSubscribe(root, a, v1.ChannelUserByID, map[string]string{"userId": login.UserID}, &user, *timeout)
	if user.ID != login.UserID {
		fatalf("users.byId value id=%q want=%q", user.ID, login.UserID)
	}

	var sess v1.SessionValue
	sessSub := mustSubscribe(root, a, v1.ChannelSessionByID, map[string]string{"sessionId": login.SessionID}, &sess, *timeout)
	if sess.Status != v1.SessionStatusActive {
		fatalf("sessions.byId status=%q want=%q", sess.Status, v1.SessionStatusActive)
	}

	mustRejectChannel(root, a, "nope.unknown", *timeout)
	mustRejectHello(root, wsURL, *origin, *timeout)

	if fake != nil {
		fake.RevokeSession(login.SessionID)
		env := a.mustReadUntilType(root, v1.TypeData, *timeout, nil)
		var p v1.DataPayload
		mustUnmarshal(env.Payload, &p)
		if p.SubscriptionID != sessSub {
			fatalf("revocation pushed on subscription %q want=%q", p.SubscriptionID, sessSub)
		}
		var after *v1.SessionValue
		mustUnmarshal(p.Value, &after)
		if after != nil && after.Status == v1.SessionStatusActive {
			fatalf("revoked session still active")
		}
	}

	fmt.Printf("OK: user_id=%s session_id=%s url=%s\n", login.UserID, login.SessionID, wsURL)
}

func realtimeURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path += v1.Path
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustLogin(parent context.Context, baseURL, tenant, email, password string, stepTimeout time.Duration) service.LoginResponse {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	cfg, err := config.NewProvider(config.Configuration{
		Environment:       config.Custom,
		BaseURL:           baseURL,
		WorkspaceTenantID: tenant,
		ClientIdentifier:  "ws-smoke",
	})
	if err != nil {
		fatalf("config: %v", err)
	}
	api, err := apiclient.New(cfg, authstate.New(tokenstore.NewMemory("", "")))
	if err != nil {
		fatalf("api client: %v", err)
	}

	resp, err := service.NewAuth(api).Login(ctx, service.Credentials{Email: email, Password: password})
	if err != nil {
		fatalf("login: %v", err)
	}
	return resp
}

func dial(parent context.Context, wsURL, origin string, stepTimeout time.Duration) (*websocket.Conn, *http.Response, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

func mustConnect(parent context.Context, name, wsURL, origin, token, wantUser string, stepTimeout time.Duration) *smokeClient {
	conn, resp, err := dial(parent, wsURL, origin, stepTimeout)
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	assertSubprotocol(resp, v1.Subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello, _ := v1.New(v1.TypeHello, ids.New(), v1.HelloPayload{Token: token}, time.Now().UTC())
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)
	var p v1.HelloAckPayload
	mustUnmarshal(ack.Payload, &p)
	if p.UserID != wantUser {
		fatalf("hello_ack user_id=%q want=%q (%s)", p.UserID, wantUser, name)
	}
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustSubscribe opens channel and decodes its initial data value into out.
// It returns the subscription id.
func mustSubscribe(parent context.Context, c *smokeClient, channel string, args map[string]string, out any, stepTimeout time.Duration) string {
	subID := ids.New()
	env, _ := v1.New(v1.TypeSubscribe, subID, v1.SubscribePayload{Channel: channel, Args: args}, time.Now().UTC())
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeSubscribeAck, stepTimeout, nil)
	var ap v1.SubscribeAckPayload
	mustUnmarshal(ack.Payload, &ap)
	if ap.SubscriptionID != subID {
		fatalf("subscribe_ack id=%q want=%q (%s)", ap.SubscriptionID, subID, channel)
	}

	data := c.mustReadUntilType(parent, v1.TypeData, stepTimeout, nil)
	var dp v1.DataPayload
	mustUnmarshal(data.Payload, &dp)
	if dp.SubscriptionID != subID {
		fatalf("data for subscription %q want=%q (%s)", dp.SubscriptionID, subID, channel)
	}
	mustUnmarshal(dp.Value, out)
	return subID
}

func mustRejectChannel(parent context.Context, c *smokeClient, channel string, stepTimeout time.Duration) {
	subID := ids.New()
	env, _ := v1.New(v1.TypeSubscribe, subID, v1.SubscribePayload{Channel: channel}, time.Now().UTC())
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ep := c.mustReadError(parent, stepTimeout)
	if ep.SubscriptionID != subID {
		fatalf("error for subscription %q want=%q", ep.SubscriptionID, subID)
	}
}

func mustRejectHello(parent context.Context, wsURL, origin string, stepTimeout time.Duration) {
	conn, _, err := dial(parent, wsURL, origin, stepTimeout)
	if err != nil {
		fatalf("connect B: %v", err)
	}
	defer closeWS(conn)

	c := &smokeClient{name: "B", conn: conn, inbox: make(chan v1.Envelope, 8), errCh: make(chan error, 1)}
	c.startReadLoop()

	hello, _ := v1.New(v1.TypeHello, ids.New(), v1.HelloPayload{Token: "not-a-token"}, time.Now().UTC())
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	if ep := c.mustReadError(parent, stepTimeout); ep.Code != "unauthorized" {
		fatalf("bad hello error code=%q want=%q", ep.Code, "unauthorized")
	}
}

func (c *smokeClient) mustReadError(parent context.Context, stepTimeout time.Duration) v1.ErrorPayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", v1.TypeError, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", v1.TypeError, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", v1.TypeError, c.name)
			}
			if env.Type != v1.TypeError {
				fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, v1.TypeError)
			}
			var ep v1.ErrorPayload
			mustUnmarshal(env.Payload, &ep)
			return ep
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustUnmarshal(raw json.RawMessage, out any) {
	if err := json.Unmarshal(raw, out); err != nil {
		fatalf("unmarshal %s: %v", raw, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
