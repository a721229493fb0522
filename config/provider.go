package config

import (
	"strings"
	"sync"

	"github.com/entityauth/EntityKit-sub003/internal/pubsub"
)

// Provider holds the live Configuration. Readers call Current on every use, so a
// mutation is visible to the next request; Subscribe lets long-lived dependents react.
type Provider struct {
	mu  sync.RWMutex
	cfg Configuration
	bus *pubsub.Broadcaster[Configuration]
}

// NewProvider resolves cfg and wraps it.
func NewProvider(cfg Configuration) (*Provider, error) {
	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	return &Provider{cfg: resolved, bus: pubsub.New[Configuration]()}, nil
}

// MustProvider is NewProvider for tests and static setups; it panics on invalid input.
func MustProvider(cfg Configuration) *Provider {
	p, err := NewProvider(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// Current returns the committed Configuration.
func (p *Provider) Current() Configuration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// BaseURL returns the current base URL.
func (p *Provider) BaseURL() string { return p.Current().BaseURL }

// WorkspaceTenantID returns the current tenant id ("" when unset).
func (p *Provider) WorkspaceTenantID() string { return p.Current().WorkspaceTenantID }

// Update is the single mutation entry point for baseURL and tenant.
// Subscribers are notified only when something changed.
func (p *Provider) Update(baseURL, tenantID string) error {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	tenantID = strings.TrimSpace(tenantID)
	if err := ValidateBaseURL(baseURL); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.BaseURL == baseURL && p.cfg.WorkspaceTenantID == tenantID {
		return nil
	}
	next := p.cfg
	next.BaseURL = baseURL
	next.WorkspaceTenantID = tenantID
	p.cfg = next
	p.bus.Publish(next)
	return nil
}

// SetBaseURL changes only the base URL.
func (p *Provider) SetBaseURL(baseURL string) error {
	return p.Update(baseURL, p.WorkspaceTenantID())
}

// SetWorkspaceTenantID changes only the tenant.
func (p *Provider) SetWorkspaceTenantID(tenantID string) error {
	return p.Update(p.BaseURL(), tenantID)
}

// Subscribe streams every committed mutation.
func (p *Provider) Subscribe() *pubsub.Subscription[Configuration] {
	return p.bus.Subscribe()
}
