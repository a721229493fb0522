// Package realtime keeps the client in sync with server-side changes to the
// signed-in user, their memberships and their session.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	v1 "github.com/entityauth/EntityKit-sub003/shared/contracts/realtime/v1"

	"github.com/entityauth/EntityKit-sub003/config"
	"github.com/entityauth/EntityKit-sub003/identity"
	"github.com/entityauth/EntityKit-sub003/internal/pubsub"
	"github.com/entityauth/EntityKit-sub003/metrics"
)

// ErrNoUser is returned by Start without a user id.
var ErrNoUser = errors.New("realtime: user id required")

// Coordinator owns the realtime subscriptions for one signed-in user.
//
// Connections are memoized per base URL and tenant. A configuration change
// while running redials and resubscribes for the same user and session. Each
// subscription has its own cancel func; Stop cancels them all. Subscription
// failures never surface as errors, they are logged and produce neutral
// values or nothing.
type Coordinator struct {
	cfg     *config.Provider
	dialer  Dialer
	log     *slog.Logger
	metrics metrics.Recorder

	mu         sync.Mutex
	gen        uint64
	conn       Transport
	connURL    string
	connTenant string
	userID     string // set while running
	sessionID  string
	cancels    []context.CancelFunc

	bus    *pubsub.Broadcaster[Event]
	events *pubsub.Subscription[Event]
	cfgSub *pubsub.Subscription[config.Configuration]
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = metrics.OrNop(r) }
}

// New constructs a Coordinator. cfg supplies the base URL on every dial and
// is watched for changes until Close.
func New(cfg *config.Provider, dialer Dialer, opts ...Option) *Coordinator {
	bus := pubsub.New[Event]()
	c := &Coordinator{
		cfg:     cfg,
		dialer:  dialer,
		log:     slog.Default(),
		metrics: metrics.Nop{},
		bus:     bus,
		events:  bus.Subscribe(),
		cfgSub:  cfg.Subscribe(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	go c.followConfig()
	return c
}

// Events is the single ordered event stream. It is closed by Close.
func (c *Coordinator) Events() <-chan Event { return c.events.C() }

// Start subscribes to the user's channels, restarting if already running.
// The subscriptions outlive ctx; only Stop ends them.
func (c *Coordinator) Start(ctx context.Context, userID, sessionID string) error {
	if userID == "" {
		return ErrNoUser
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.userID, c.sessionID = userID, sessionID
	return c.startLocked(ctx)
}

func (c *Coordinator) startLocked(ctx context.Context) error {
	userID, sessionID := c.userID, c.sessionID
	cur := c.cfg.Current()

	c.cancelLocked()

	if c.conn != nil && c.staleLocked(cur) {
		c.log.Debug("realtime.reconnect", "reason", "config_changed", "base_url", cur.BaseURL)
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.conn == nil {
		conn, err := c.dialer.Dial(ctx, cur.BaseURL)
		if err != nil {
			return err
		}
		c.conn, c.connURL, c.connTenant = conn, cur.BaseURL, cur.WorkspaceTenantID
	}

	c.gen++
	gen, conn := c.gen, c.conn
	bctx := context.WithoutCancel(ctx)

	c.subscribeLocked(bctx, gen, conn, v1.ChannelUserByID, map[string]string{"userId": userID}, c.decodeUser)
	c.subscribeLocked(bctx, gen, conn, v1.ChannelMembershipsForUser, map[string]string{"userId": userID}, c.decodeMemberships)
	if sessionID != "" {
		c.subscribeLocked(bctx, gen, conn, v1.ChannelSessionByID, map[string]string{"sessionId": sessionID},
			func(raw json.RawMessage) []Event { return c.decodeSession(sessionID, raw) })
	}

	c.log.Info("realtime.start", "user_id", userID, "session_id", sessionID)
	return nil
}

// Stop cancels every subscription and releases the connection. It is
// idempotent and safe before Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelLocked()
	c.userID, c.sessionID = "", ""
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn, c.connURL, c.connTenant = nil, "", ""
		c.log.Info("realtime.stop")
	}
}

// Close stops the coordinator and closes the event stream.
func (c *Coordinator) Close() {
	c.cfgSub.Close()
	c.Stop()
	c.bus.Close()
}

func (c *Coordinator) staleLocked(cur config.Configuration) bool {
	return c.connURL != cur.BaseURL || c.connTenant != cur.WorkspaceTenantID
}

// followConfig restarts a running coordinator on the committed base URL and
// tenant. A failed restart is retried on the next change or Start.
func (c *Coordinator) followConfig() {
	for range c.cfgSub.C() {
		c.mu.Lock()
		if c.userID != "" && (c.conn == nil || c.staleLocked(c.cfg.Current())) {
			c.log.Info("realtime.restart", "reason", "config_changed", "user_id", c.userID)
			if err := c.startLocked(context.Background()); err != nil {
				c.log.Warn("realtime.restart.fail", "user_id", c.userID, "err", err)
			}
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) cancelLocked() {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	c.gen++
}

func (c *Coordinator) subscribeLocked(ctx context.Context, gen uint64, conn Transport, channel string, args map[string]string, decode func(json.RawMessage) []Event) {
	sctx, cancel := context.WithCancel(ctx)
	c.cancels = append(c.cancels, cancel)

	key := v1.SubscribePayload{Channel: channel, Args: args}.Key()

	go func() {
		ch, err := conn.Subscribe(sctx, channel, args)
		if err != nil {
			if sctx.Err() == nil {
				c.log.Debug("realtime.subscribe.fail", "channel", key, "err", err)
			}
			return
		}
		for raw := range ch {
			for _, ev := range decode(raw) {
				c.emit(gen, ev)
			}
		}
	}()
}

// emit drops events from a generation that has since been stopped or restarted.
func (c *Coordinator) emit(gen uint64, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.metrics.RealtimeEvent(string(ev.Kind))
	c.bus.Publish(ev)
}

func (c *Coordinator) decodeUser(raw json.RawMessage) []Event {
	var v *v1.UserValue
	if err := json.Unmarshal(raw, &v); err != nil {
		c.log.Debug("realtime.decode.fail", "channel", v1.ChannelUserByID, "err", err)
		return nil
	}
	if v == nil {
		return []Event{{Kind: UsernameChanged}}
	}
	return []Event{{Kind: UsernameChanged, Username: v.Username}}
}

func (c *Coordinator) decodeMemberships(raw json.RawMessage) []Event {
	var orgs []identity.OrganizationSummary
	if err := json.Unmarshal(raw, &orgs); err != nil {
		c.log.Debug("realtime.decode.fail", "channel", v1.ChannelMembershipsForUser, "err", err)
		return nil
	}
	if orgs == nil {
		orgs = []identity.OrganizationSummary{}
	}

	out := []Event{{Kind: OrganizationsChanged, Organizations: orgs}}
	if len(orgs) > 0 {
		first := orgs[0]
		out = append(out, Event{Kind: ActiveOrganizationChanged, ActiveOrganization: &first, Fallback: true})
	}
	return out
}

func (c *Coordinator) decodeSession(sessionID string, raw json.RawMessage) []Event {
	var v *v1.SessionValue
	if err := json.Unmarshal(raw, &v); err != nil {
		c.log.Debug("realtime.decode.fail", "channel", v1.ChannelSessionByID, "err", err)
		return nil
	}
	status := ""
	if v != nil {
		status = v.Status
	}
	if status == v1.SessionStatusActive {
		return nil
	}
	return []Event{{Kind: SessionInvalidated, SessionID: sessionID, Status: status}}
}
