// Package v1 defines the EntityAuth realtime protocol v1 contract.
//
// It is shared between the SDK transport and the fake backend so the wire format stays authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "entityauth.realtime.v1"

// Path is the realtime endpoint relative to the API base URL.
const Path = "/api/realtime"

// Type constants (wire-stable).
const (
	// TypeHello authenticates the connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms authentication (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe opens a subscription; the envelope ID becomes the subscription id.
	TypeSubscribe = "subscribe"
	// TypeSubscribeAck confirms a subscription (server -> client).
	TypeSubscribeAck = "subscribe_ack"
	// TypeUnsubscribe closes a subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeData carries the current value of a subscription (server -> client).
	TypeData = "data"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Channel names.
const (
	ChannelUserByID           = "users.byId"
	ChannelMembershipsForUser = "organizations.memberships"
	ChannelSessionByID        = "sessions.byId"
)

// SessionStatusActive is the only status that keeps a session valid.
const SessionStatusActive = "active"

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello, TypeHelloAck, TypeSubscribeAck, TypeData, TypeError:
		return nil
	case TypeSubscribe, TypeUnsubscribe:
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("missing field: id (%s)", e.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// New builds an envelope with payload marshaled to JSON.
func New(typ, id string, payload any, ts time.Time) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// ---- Payloads ----

// HelloPayload carries the bearer access token.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload identifies the authenticated principal.
type HelloAckPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
}

// SubscribePayload names a channel and its arguments.
type SubscribePayload struct {
	Channel string            `json:"channel"`
	Args    map[string]string `json:"args,omitempty"`
}

// Key is the canonical channel{args} form used in logs, e.g. users.byId{userId=u1}.
func (p SubscribePayload) Key() string {
	if len(p.Args) == 0 {
		return p.Channel
	}
	keys := make([]string, 0, len(p.Args))
	for k := range p.Args {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(p.Channel)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.Args[k])
	}
	b.WriteByte('}')
	return b.String()
}

// SubscribeAckPayload confirms a subscription id.
type SubscribeAckPayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// UnsubscribePayload closes a subscription.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// DataPayload carries a channel value. Value is UserValue, SessionValue, or for
// organizations.memberships a JSON array of organization summaries.
type DataPayload struct {
	SubscriptionID string          `json:"subscriptionId"`
	Value          json.RawMessage `json:"value"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// UserValue is the users.byId value.
type UserValue struct {
	ID       string  `json:"id"`
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	ImageURL *string `json:"imageUrl,omitempty"`
}

// SessionValue is the sessions.byId value. A null value means the session is gone.
type SessionValue struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
