package testserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "github.com/entityauth/EntityKit-sub003/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/entityauth/EntityKit-sub003/internal/ids"
)

const (
	wsSendQueue     = 256
	wsWriteTimeout  = 5 * time.Second
	wsHelloTimeout  = 10 * time.Second
	wsMaxFrameBytes = 64 << 10

	// Inbound frames per connection: a sustained rate with a burst allowance.
	wsFramesPerSecond = 12
	wsFrameBurst      = 120
)

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.wsTenants = append(s.wsTenants, strings.TrimSpace(r.Header.Get(headerTenant)))
	s.mu.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		s.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	p, err := s.awaitHello(ctx, conn)
	if err != nil {
		s.log.Info("ws.reject.hello", "err", err)
		_ = writeEnvelope(ctx, conn, errorEnvelope("", "unauthorized", err.Error()))
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return
	}

	client := newWSClient(p.UserID, p.SessionID, wsSendQueue)
	ack, _ := v1.New(v1.TypeHelloAck, ids.New(), v1.HelloAckPayload{UserID: p.UserID, SessionID: p.SessionID}, time.Now().UTC())
	client.enqueue(ack)

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			s.hub.drop(client)
			client.close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}
	s.hub.register(client, func() { shutdown(websocket.StatusGoingAway, "server going away") })

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case env := <-client.send:
				if err := writeEnvelope(ctx, conn, env); err != nil {
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	rl := rate.NewLimiter(wsFramesPerSecond, wsFrameBurst)

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			var syn *json.SyntaxError
			if errors.As(err, &syn) {
				client.enqueue(errorEnvelope("", "bad_json", "invalid JSON"))
				continue
			}
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				s.log.Info("ws.read.fail", "session_id", p.SessionID, "err", err)
			}
			break
		}
		if !rl.Allow() {
			client.enqueue(errorEnvelope("", "rate_limited", "too many events"))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break
		}
		if err := env.Validate(); err != nil {
			client.enqueue(errorEnvelope(env.ID, "bad_envelope", err.Error()))
			continue
		}

		switch env.Type {
		case v1.TypeSubscribe:
			if err := s.onSubscribe(client, env); err != nil {
				client.enqueue(errorEnvelope(env.ID, "subscribe_failed", err.Error()))
			}
		case v1.TypeUnsubscribe:
			s.hub.remove(client, env.ID)
		default:
			client.enqueue(errorEnvelope(env.ID, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type)))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
}

func (s *Server) awaitHello(parent context.Context, conn *websocket.Conn) (principal, error) {
	ctx, cancel := context.WithTimeout(parent, wsHelloTimeout)
	defer cancel()

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		return principal{}, err
	}
	if env.Type != v1.TypeHello {
		return principal{}, fmt.Errorf("expected %s, got %q", v1.TypeHello, env.Type)
	}
	var hello v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		return principal{}, fmt.Errorf("invalid payload: %w", err)
	}
	p, ok := s.authenticate(hello.Token)
	if !ok {
		return principal{}, errors.New("invalid or expired token")
	}
	return p, nil
}

// onSubscribe authorizes the channel, registers it and sends the current value.
// Registration and the initial value happen under s.mu so no update is missed.
func (s *Server) onSubscribe(c *wsClient, env v1.Envelope) error {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var value any
	switch p.Channel {
	case v1.ChannelUserByID:
		if p.Args["userId"] != c.userID {
			return errors.New("forbidden")
		}
		value = s.userValueLocked(c.userID)
	case v1.ChannelMembershipsForUser:
		if p.Args["userId"] != c.userID {
			return errors.New("forbidden")
		}
		value = s.summariesLocked(c.userID)
	case v1.ChannelSessionByID:
		sess := s.sessions[p.Args["sessionId"]]
		if sess == nil || sess.UserID != c.userID {
			return errors.New("forbidden")
		}
		value = s.sessionValueLocked(sess.ID)
	default:
		return fmt.Errorf("unknown channel: %s", p.Channel)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.hub.add(p.Key(), c, env.ID)
	ack, _ := v1.New(v1.TypeSubscribeAck, ids.New(), v1.SubscribeAckPayload{SubscriptionID: env.ID}, time.Now().UTC())
	c.enqueue(ack)
	c.enqueue(dataEnvelope(env.ID, raw))
	return nil
}

func errorEnvelope(subID, code, msg string) v1.Envelope {
	env, _ := v1.New(v1.TypeError, ids.New(), v1.ErrorPayload{Code: code, Message: msg, SubscriptionID: subID}, time.Now().UTC())
	return env
}

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

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, wsWriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
