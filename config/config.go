// Package config resolves SDK configuration and exposes the controlled
// base-URL/tenant mutation that dependents observe.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Environment selects the backend deployment.
type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
	Custom     Environment = "custom"
)

const (
	ProductionBaseURL = "https://api.entityauth.com"
	StagingBaseURL    = "https://staging.api.entityauth.com"

	DefaultClientIdentifier = "entitykit-go"
)

// Configuration is the immutable per-facade configuration. BaseURL and
// WorkspaceTenantID change only through Provider.Update.
type Configuration struct {
	Environment          Environment `yaml:"environment"`
	BaseURL              string      `yaml:"baseURL"`
	WorkspaceTenantID    string      `yaml:"workspaceTenantId"`
	ClientIdentifier     string      `yaml:"clientIdentifier"`
	PersistenceNamespace string      `yaml:"persistenceNamespace"`
}

// ForEnvironment returns a Configuration for a named environment.
// customURL is only consulted for Custom.
func ForEnvironment(env Environment, customURL string) (Configuration, error) {
	return Configuration{Environment: env, BaseURL: customURL}.Resolve()
}

// Resolve fills derived fields and validates the result.
func (c Configuration) Resolve() (Configuration, error) {
	out := c
	out.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	out.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	out.WorkspaceTenantID = strings.TrimSpace(c.WorkspaceTenantID)
	out.ClientIdentifier = strings.TrimSpace(c.ClientIdentifier)

	switch out.Environment {
	case "", Production:
		out.Environment = Production
		if out.BaseURL == "" {
			out.BaseURL = ProductionBaseURL
		}
	case Staging:
		if out.BaseURL == "" {
			out.BaseURL = StagingBaseURL
		}
	case Custom:
		if out.BaseURL == "" {
			return Configuration{}, fmt.Errorf("%w: custom environment requires baseURL", ErrInvalid)
		}
	default:
		return Configuration{}, fmt.Errorf("%w: unknown environment %q", ErrInvalid, c.Environment)
	}

	if out.ClientIdentifier == "" {
		out.ClientIdentifier = DefaultClientIdentifier
	}
	if err := out.Validate(); err != nil {
		return Configuration{}, err
	}
	return out, nil
}

// Validate checks a resolved Configuration.
func (c Configuration) Validate() error {
	if err := ValidateBaseURL(c.BaseURL); err != nil {
		return err
	}
	if c.ClientIdentifier == "" {
		return fmt.Errorf("%w: missing clientIdentifier", ErrInvalid)
	}
	return nil
}

// ValidateBaseURL requires an absolute http(s) URL.
func ValidateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: missing baseURL", ErrInvalid)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: baseURL: %v", ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: baseURL scheme must be http or https", ErrInvalid)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: baseURL missing host", ErrInvalid)
	}
	return nil
}
