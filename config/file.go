package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenStoreKind selects a tokenstore implementation.
type TokenStoreKind string

const (
	StoreMemory   TokenStoreKind = "memory"
	StoreFile     TokenStoreKind = "file"
	StoreRedis    TokenStoreKind = "redis"
	StorePostgres TokenStoreKind = "postgres"
)

// TokenStoreSettings configures token persistence.
type TokenStoreSettings struct {
	Kind        TokenStoreKind `yaml:"kind"`
	Path        string         `yaml:"path"` // file store; empty means the user config dir
	Passphrase  string         `yaml:"passphrase"`
	RedisURL    string         `yaml:"redisURL"`
	DatabaseURL string         `yaml:"databaseURL"`
	DBMaxConns  int32          `yaml:"dbMaxConns"`
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Color  bool   `yaml:"color"`
}

// Settings is the on-disk file: the SDK Configuration plus host-process knobs.
type Settings struct {
	Configuration `yaml:",inline"`

	HTTPTimeout time.Duration      `yaml:"httpTimeout"`
	RefreshSkew time.Duration      `yaml:"refreshSkew"`
	MetricsAddr string             `yaml:"metricsAddr"`
	TokenStore  TokenStoreSettings `yaml:"tokenStore"`
	Log         LogSettings        `yaml:"log"`
}

// Defaults returns Settings with every knob populated.
func Defaults() Settings {
	return Settings{
		Configuration: Configuration{
			Environment:      Production,
			ClientIdentifier: DefaultClientIdentifier,
		},
		HTTPTimeout: 15 * time.Second,
		RefreshSkew: 60 * time.Second,
		TokenStore:  TokenStoreSettings{Kind: StoreMemory, DBMaxConns: 4},
		Log:         LogSettings{Level: "info", Format: "json"},
	}
}

// Load reads path (optional), applies ENTITYAUTH_* env overrides and resolves the result.
func Load(path string) (Settings, error) {
	s := Defaults()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return Settings{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	if err := s.applyEnv(newEnvOverlay()); err != nil {
		return Settings{}, err
	}

	resolved, err := s.Configuration.Resolve()
	if err != nil {
		return Settings{}, err
	}
	s.Configuration = resolved

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyEnv(o *envOverlay) error {
	overlayString(o, "ENTITYAUTH_ENVIRONMENT", &s.Environment)
	overlayString(o, "ENTITYAUTH_BASE_URL", &s.BaseURL)
	overlayString(o, "ENTITYAUTH_TENANT_ID", &s.WorkspaceTenantID)
	overlayString(o, "ENTITYAUTH_CLIENT_ID", &s.ClientIdentifier)
	overlayString(o, "ENTITYAUTH_NAMESPACE", &s.PersistenceNamespace)

	o.duration("ENTITYAUTH_HTTP_TIMEOUT", &s.HTTPTimeout)
	o.duration("ENTITYAUTH_REFRESH_SKEW", &s.RefreshSkew)
	overlayString(o, "ENTITYAUTH_METRICS_ADDR", &s.MetricsAddr)

	overlayString(o, "ENTITYAUTH_TOKEN_STORE", &s.TokenStore.Kind)
	overlayString(o, "ENTITYAUTH_TOKEN_FILE", &s.TokenStore.Path)
	overlayString(o, "ENTITYAUTH_SEAL_PASSPHRASE", &s.TokenStore.Passphrase)
	overlayString(o, "ENTITYAUTH_REDIS_URL", &s.TokenStore.RedisURL)
	overlayString(o, "ENTITYAUTH_DATABASE_URL", &s.TokenStore.DatabaseURL)
	o.count("ENTITYAUTH_DB_MAX_CONNS", &s.TokenStore.DBMaxConns)

	overlayString(o, "ENTITYAUTH_LOG_LEVEL", &s.Log.Level)
	overlayString(o, "ENTITYAUTH_LOG_FORMAT", &s.Log.Format)
	o.boolean("ENTITYAUTH_LOG_COLOR", &s.Log.Color)

	return o.err()
}

func (s Settings) validate() error {
	var errs []error

	switch s.TokenStore.Kind {
	case StoreMemory:
	case StoreFile:
		if s.TokenStore.Passphrase == "" {
			errs = append(errs, errors.New("tokenStore.passphrase required for file store"))
		}
	case StoreRedis:
		if s.TokenStore.RedisURL == "" {
			errs = append(errs, errors.New("tokenStore.redisURL required for redis store"))
		}
	case StorePostgres:
		if s.TokenStore.DatabaseURL == "" {
			errs = append(errs, errors.New("tokenStore.databaseURL required for postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tokenStore.kind %q", s.TokenStore.Kind))
	}

	if s.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("httpTimeout must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
