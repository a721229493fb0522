package testserver

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/entityauth/EntityKit-sub003/shared/contracts/realtime/v1"

	"github.com/entityauth/EntityKit-sub003/internal/ids"
)

// wsClient is one connected realtime session. Send is never closed so
// concurrent publishers cannot panic; done signals shutdown.
type wsClient struct {
	userID    string
	sessionID string
	send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(userID, sessionID string, queue int) *wsClient {
	if queue <= 0 {
		queue = 64
	}
	return &wsClient{
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan v1.Envelope, queue),
		done:      make(chan struct{}),
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue never blocks; a full queue drops the envelope.
func (c *wsClient) enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// hub routes channel values to subscribed clients.
type hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	subs  map[string]map[*wsClient]map[string]struct{} // channel key -> client -> subscription ids
	kicks map[*wsClient]func()
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:   log,
		subs:  make(map[string]map[*wsClient]map[string]struct{}),
		kicks: make(map[*wsClient]func()),
	}
}

func (h *hub) register(c *wsClient, kick func()) {
	h.mu.Lock()
	h.kicks[c] = kick
	h.mu.Unlock()
}

// disconnectAll kicks every connected client.
func (h *hub) disconnectAll() {
	h.mu.RLock()
	kicks := make([]func(), 0, len(h.kicks))
	for _, k := range h.kicks {
		kicks = append(kicks, k)
	}
	h.mu.RUnlock()

	for _, k := range kicks {
		k()
	}
}

func (h *hub) add(key string, c *wsClient, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.subs[key]
	if clients == nil {
		clients = make(map[*wsClient]map[string]struct{})
		h.subs[key] = clients
	}
	if clients[c] == nil {
		clients[c] = make(map[string]struct{})
	}
	clients[c][subID] = struct{}{}
}

func (h *hub) remove(c *wsClient, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, clients := range h.subs {
		if subIDs, ok := clients[c]; ok {
			delete(subIDs, subID)
			if len(subIDs) == 0 {
				delete(clients, c)
			}
		}
		if len(clients) == 0 {
			delete(h.subs, key)
		}
	}
}

func (h *hub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.kicks, c)
	for key, clients := range h.subs {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subs, key)
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.subs {
		for _, subIDs := range clients {
			n += len(subIDs)
		}
	}
	return n
}

func (h *hub) publish(key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		h.log.Error("testserver.realtime.encode.fail", "channel", key, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c, subIDs := range h.subs[key] {
		for id := range subIDs {
			if !c.enqueue(dataEnvelope(id, raw)) {
				h.log.Debug("testserver.realtime.drop", "channel", key, "session_id", c.sessionID)
			}
		}
	}
}

func dataEnvelope(subID string, raw json.RawMessage) v1.Envelope {
	payload, _ := json.Marshal(v1.DataPayload{SubscriptionID: subID, Value: raw})
	return v1.Envelope{V: v1.Version, Type: v1.TypeData, ID: ids.New(), TS: time.Now().UTC(), Payload: payload}
}

// ---- channel values (s.mu held) ----

func userKey(userID string) string {
	return v1.SubscribePayload{Channel: v1.ChannelUserByID, Args: map[string]string{"userId": userID}}.Key()
}

func membershipsKey(userID string) string {
	return v1.SubscribePayload{Channel: v1.ChannelMembershipsForUser, Args: map[string]string{"userId": userID}}.Key()
}

func sessionKey(sessionID string) string {
	return v1.SubscribePayload{Channel: v1.ChannelSessionByID, Args: map[string]string{"sessionId": sessionID}}.Key()
}

func (s *Server) userValueLocked(userID string) any {
	u := s.users[userID]
	if u == nil {
		return nil
	}
	return v1.UserValue{ID: u.ID, Username: u.Username, Email: &u.Email, ImageURL: u.ImageURL}
}

func (s *Server) sessionValueLocked(sessionID string) any {
	sess := s.sessions[sessionID]
	if sess == nil {
		return nil
	}
	return v1.SessionValue{ID: sess.ID, Status: sess.Status}
}

func (s *Server) publishUserLocked(userID string) {
	s.hub.publish(userKey(userID), s.userValueLocked(userID))
}

func (s *Server) publishMembershipsLocked(userID string) {
	s.hub.publish(membershipsKey(userID), s.summariesLocked(userID))
}

func (s *Server) publishSessionLocked(sessionID string) {
	s.hub.publish(sessionKey(sessionID), s.sessionValueLocked(sessionID))
}
