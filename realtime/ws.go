package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	v1 "github.com/entityauth/EntityKit-sub003/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/entityauth/EntityKit-sub003/internal/ids"
	"github.com/entityauth/EntityKit-sub003/internal/pubsub"
)

const (
	maxFrameBytes = 1 << 20

	wsDefaultHandshakeTimeout = 10 * time.Second
	wsDefaultWriteTimeout     = 5 * time.Second
	wsDefaultReconnectEvery   = 2 * time.Second
	wsReconnectBurst          = 3
)

var (
	// ErrHandshake is returned when the server rejects the subprotocol or hello.
	ErrHandshake = errors.New("realtime: handshake failed")
	// ErrClosed is returned by Subscribe on a closed transport.
	ErrClosed = errors.New("realtime: transport closed")
)

// WSDialer dials the realtime endpoint over websocket, authenticating with the
// access token returned by tokens at (re)connect time.
type WSDialer struct {
	tokens         func() string
	httpClient     *http.Client
	headers        func() http.Header
	log            *slog.Logger
	handshake      time.Duration
	writeTimeout   time.Duration
	reconnectEvery time.Duration
}

// WSOption configures a WSDialer.
type WSOption func(*WSDialer)

func WithWSLogger(log *slog.Logger) WSOption {
	return func(d *WSDialer) {
		if log != nil {
			d.log = log
		}
	}
}

func WithWSHTTPClient(hc *http.Client) WSOption {
	return func(d *WSDialer) {
		if hc != nil {
			d.httpClient = hc
		}
	}
}

// WithWSHeaders sets the source of handshake headers. It is called on every
// connect and reconnect, so header changes apply to the next handshake.
func WithWSHeaders(fn func() http.Header) WSOption {
	return func(d *WSDialer) {
		if fn != nil {
			d.headers = fn
		}
	}
}

// WithReconnectEvery sets the minimum spacing between reconnect attempts.
func WithReconnectEvery(every time.Duration) WSOption {
	return func(d *WSDialer) {
		if every > 0 {
			d.reconnectEvery = every
		}
	}
}

// NewWSDialer constructs a websocket Dialer.
func NewWSDialer(tokens func() string, opts ...WSOption) *WSDialer {
	d := &WSDialer{
		tokens:         tokens,
		log:            slog.Default(),
		handshake:      wsDefaultHandshakeTimeout,
		writeTimeout:   wsDefaultWriteTimeout,
		reconnectEvery: wsDefaultReconnectEvery,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Endpoint maps an http(s) base URL to the ws(s) realtime URL.
func Endpoint(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + v1.Path
	return u.String(), nil
}

// Dial connects, authenticates and starts the read loop.
func (d *WSDialer) Dial(ctx context.Context, baseURL string) (Transport, error) {
	endpoint, err := Endpoint(baseURL)
	if err != nil {
		return nil, err
	}

	conn, err := d.connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		d:        d,
		endpoint: endpoint,
		ctx:      tctx,
		cancel:   cancel,
		conn:     conn,
		subs:     make(map[string]*wsSub),
		limiter:  rate.NewLimiter(rate.Every(d.reconnectEvery), wsReconnectBurst),
		done:     make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (d *WSDialer) connect(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.handshake)
	defer cancel()

	var header http.Header
	if d.headers != nil {
		header = d.headers().Clone()
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient:   d.httpClient,
		HTTPHeader:   header,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return nil, err
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: subprotocol %q", ErrHandshake, sp)
	}
	conn.SetReadLimit(maxFrameBytes)

	token := ""
	if d.tokens != nil {
		token = d.tokens()
	}
	hello, err := v1.New(v1.TypeHello, ids.New(), v1.HelloPayload{Token: token}, time.Now().UTC())
	if err != nil {
		_ = conn.CloseNow()
		return nil, err
	}
	if err := writeEnvelope(ctx, conn, hello, d.writeTimeout); err != nil {
		_ = conn.CloseNow()
		return nil, err
	}

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		_ = conn.CloseNow()
		return nil, err
	}
	switch env.Type {
	case v1.TypeHelloAck:
		var ack v1.HelloAckPayload
		_ = json.Unmarshal(env.Payload, &ack)
		d.log.Debug("realtime.connect", "endpoint", endpoint, "user_id", ack.UserID)
		return conn, nil
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello rejected")
		return nil, fmt.Errorf("%w: %s: %s", ErrHandshake, p.Code, p.Message)
	default:
		_ = conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, fmt.Errorf("%w: unexpected %q", ErrHandshake, env.Type)
	}
}

type wsSub struct {
	id      string
	payload v1.SubscribePayload
	bus     *pubsub.Broadcaster[json.RawMessage]
}

// wsTransport reconnects with rate-limited pacing and resubscribes every
// active subscription under its original id.
type wsTransport struct {
	d        *WSDialer
	endpoint string
	ctx      context.Context
	cancel   context.CancelFunc
	limiter  *rate.Limiter
	done     chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*wsSub
	closed bool
}

func (t *wsTransport) Subscribe(ctx context.Context, channel string, args map[string]string) (<-chan json.RawMessage, error) {
	s := &wsSub{
		id:      ids.New(),
		payload: v1.SubscribePayload{Channel: channel, Args: args},
		bus:     pubsub.New[json.RawMessage](),
	}
	out := s.bus.Subscribe()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.subs[s.id] = s
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		if err := t.send(conn, v1.TypeSubscribe, s.id, s.payload); err != nil {
			// The reconnect loop resubscribes.
			t.d.log.Debug("realtime.subscribe.fail", "channel", s.payload.Key(), "err", err)
		}
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-t.done:
		}
		t.unsubscribe(s)
	}()

	return out.C(), nil
}

func (t *wsTransport) unsubscribe(s *wsSub) {
	t.mu.Lock()
	_, ok := t.subs[s.id]
	delete(t.subs, s.id)
	conn, closed := t.conn, t.closed
	t.mu.Unlock()

	if ok && !closed && conn != nil {
		_ = t.send(conn, v1.TypeUnsubscribe, s.id, v1.UnsubscribePayload{SubscriptionID: s.id})
	}
	s.bus.Close()
}

// Close is idempotent.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	close(t.done)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

func (t *wsTransport) send(conn *websocket.Conn, typ, id string, payload any) error {
	env, err := v1.New(typ, id, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return writeEnvelope(t.ctx, conn, env, t.d.writeTimeout)
}

func (t *wsTransport) run() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		err := t.readLoop(conn)
		if t.ctx.Err() != nil {
			return
		}
		t.d.log.Info("realtime.reconnect", "endpoint", t.endpoint, "close_status", websocket.CloseStatus(err), "err", err)

		conn, err = t.reconnect()
		if err != nil {
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.CloseNow()
			return
		}
		t.conn = conn
		subs := make([]*wsSub, 0, len(t.subs))
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		t.mu.Unlock()

		for _, s := range subs {
			if err := t.send(conn, v1.TypeSubscribe, s.id, s.payload); err != nil {
				t.d.log.Debug("realtime.subscribe.fail", "channel", s.payload.Key(), "err", err)
			}
		}
	}
}

// reconnect blocks until a connection succeeds or the transport is closed.
func (t *wsTransport) reconnect() (*websocket.Conn, error) {
	for {
		if err := t.limiter.Wait(t.ctx); err != nil {
			return nil, err
		}
		conn, err := t.d.connect(t.ctx, t.endpoint)
		if err == nil {
			return conn, nil
		}
		if t.ctx.Err() != nil {
			return nil, t.ctx.Err()
		}
		t.d.log.Debug("realtime.reconnect.fail", "endpoint", t.endpoint, "err", err)
	}
}

func (t *wsTransport) readLoop(conn *websocket.Conn) error {
	for {
		env, err := readEnvelope(t.ctx, conn)
		if err != nil {
			var syn *json.SyntaxError
			if errors.As(err, &syn) {
				t.d.log.Debug("realtime.read.bad_json", "err", err)
				continue
			}
			return err
		}

		switch env.Type {
		case v1.TypeData:
			var p v1.DataPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.d.log.Debug("realtime.decode.fail", "type", env.Type, "err", err)
				continue
			}
			t.mu.Lock()
			s := t.subs[p.SubscriptionID]
			t.mu.Unlock()
			if s != nil {
				s.bus.Publish(p.Value)
			}
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			t.d.log.Debug("realtime.server.error", "code", p.Code, "message", p.Message, "subscription_id", p.SubscriptionID)
		}
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
