package realtime

import (
	"context"
	"encoding/json"
)

// Transport is one live realtime connection.
type Transport interface {
	// Subscribe streams raw channel values. The returned channel is closed when
	// ctx is done or the transport is closed.
	Subscribe(ctx context.Context, channel string, args map[string]string) (<-chan json.RawMessage, error)
	Close() error
}

// Dialer opens a Transport for an API base URL.
type Dialer interface {
	Dial(ctx context.Context, baseURL string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, baseURL string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, baseURL string) (Transport, error) {
	return f(ctx, baseURL)
}
