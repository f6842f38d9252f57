package authpublic

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
)

type Config struct {
	// BaseURL is the public origin of the application, used to build provider
	// callback URLs and to validate redirect targets.
	BaseURL string `yaml:"baseUrl" env:"AUTH_URL"`

	// Secret signs CSRF tokens. When empty a random per-process secret is used,
	// which means CSRF tokens do not survive a restart.
	Secret string `yaml:"secret" env:"AUTH_SECRET"`

	// BasePath is where the auth handler is mounted. Defaults to "/api/auth".
	BasePath string `yaml:"basePath" env:"AUTH_BASE_PATH"`

	Google GoogleConfig `yaml:"google"`

	Session SessionConfig `yaml:"session"`

	Database DatabaseConfig `yaml:"database"`

	Redis RedisConfig `yaml:"redis"`

	// SessionCookieName defaults to "auth.session-token" if not set
	SessionCookieName string `yaml:"sessionCookieName"`

	// CsrfCookieName defaults to "auth.csrf-token" if not set
	CsrfCookieName string `yaml:"csrfCookieName"`

	// StateCookieName defaults to "auth.state" if not set
	StateCookieName string `yaml:"stateCookieName"`

	// InsecureAllowDumpProfiles logs the full provider profile at debug level (insecure)
	InsecureAllowDumpProfiles bool `yaml:"insecureAllowDumpProfiles"`
}

// GoogleConfig holds the OAuth client credentials for the Google provider.
// Values are passed through untouched; a bad credential surfaces when Google
// rejects the code exchange.
type GoogleConfig struct {
	ClientID     string `yaml:"clientId" env:"GOOGLE_CLIENT_ID"`
	ClientSecret string `yaml:"clientSecret" env:"GOOGLE_CLIENT_SECRET"`
}

type SessionConfig struct {
	// MaxAge is how long an idle session stays valid.
	MaxAge time.Duration `yaml:"maxAge" env:"AUTH_SESSION_MAX_AGE"`

	// UpdateAge throttles how often the session expiry is pushed forward.
	UpdateAge time.Duration `yaml:"updateAge" env:"AUTH_SESSION_UPDATE_AGE"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver" env:"DATABASE_DRIVER"`
	URL    string `yaml:"url" env:"DATABASE_URL"`
}

type RedisConfig struct {
	// Addr enables the session cache when set, e.g. "localhost:6379".
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_CACHE_TTL"`
}

const (
	defaultBaseURL          = "http://localhost:3000"
	defaultBasePath         = "/api/auth"
	defaultSessionMaxAge    = 30 * 24 * time.Hour
	defaultSessionUpdateAge = 24 * time.Hour
	defaultRedisTTL         = 5 * time.Minute
)

// LoadConfigFromEnv builds a Config from environment variables only.
// Missing credentials are not an error.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

// LoadConfigFile reads a YAML config file and then overlays any environment
// variables that are set.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

// GetBaseURL returns the configured origin without a trailing slash
func (c *Config) GetBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return defaultBaseURL
}

// GetBasePath returns the mount path of the auth handler, with default fallback
func (c *Config) GetBasePath() string {
	if c.BasePath != "" {
		return "/" + strings.Trim(c.BasePath, "/")
	}
	return defaultBasePath
}

// GetCallbackURL returns the absolute OAuth redirect URL for a provider
func (c *Config) GetCallbackURL(providerID string) string {
	return c.GetBaseURL() + c.GetBasePath() + "/callback/" + providerID
}

// UsesSecureCookies reports whether the base URL is served over HTTPS.
func (c *Config) UsesSecureCookies() bool {
	u, err := url.Parse(c.GetBaseURL())
	if err != nil {
		return false
	}
	return u.Scheme == "https"
}

// GetSessionCookieName returns the cookie name for sessions, with default fallback
func (c *Config) GetSessionCookieName() string {
	if c.SessionCookieName != "" {
		return c.SessionCookieName
	}
	return "auth.session-token"
}

// GetCsrfCookieName returns the cookie name for the CSRF token, with default fallback
func (c *Config) GetCsrfCookieName() string {
	if c.CsrfCookieName != "" {
		return c.CsrfCookieName
	}
	return "auth.csrf-token"
}

// GetStateCookieName returns the cookie name for the OAuth state, with default fallback
func (c *Config) GetStateCookieName() string {
	if c.StateCookieName != "" {
		return c.StateCookieName
	}
	return "auth.state"
}

func (c *Config) GetSessionMaxAge() time.Duration {
	if c.Session.MaxAge > 0 {
		return c.Session.MaxAge
	}
	return defaultSessionMaxAge
}

func (c *Config) GetSessionUpdateAge() time.Duration {
	if c.Session.UpdateAge > 0 {
		return c.Session.UpdateAge
	}
	return defaultSessionUpdateAge
}

func (c *Config) GetRedisTTL() time.Duration {
	if c.Redis.TTL > 0 {
		return c.Redis.TTL
	}
	return defaultRedisTTL
}
