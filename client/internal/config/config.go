package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/powfeed/powfeed/pkg/nostr"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultLimit             = 50
	DefaultDialTimeout       = 10 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultQueueSize         = 1024
	DefaultBatchInterval     = 2 * time.Second
	DefaultBatchSize         = 100
	DefaultHTTPAddr          = ":8080"
	DefaultBroadcastInterval = 5 * time.Second
	DefaultRenderTop         = 20
	DefaultAdvisoryTTL       = 5 * time.Minute
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
)

// DefaultRelays are used when no relay is configured.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nostr.wine",
	"wss://nos.lol",
}

// Config is the top-level powfeed configuration.
type Config struct {
	Client ClientConfig `yaml:"client"`
	HTTP   HTTPConfig   `yaml:"http"`
	Render RenderConfig `yaml:"render"`
	Log    LogConfig    `yaml:"log"`

	// AdvisoryTTL is how long the error of a relay that is not closed stays
	// visible. Errors of closed relays stay visible for the whole session.
	AdvisoryTTL time.Duration `yaml:"advisory_ttl"`
}

// ClientConfig holds the relay-facing settings.
type ClientConfig struct {
	// Relays is the list of relay endpoints to subscribe to.
	Relays []Relay `yaml:"relays"`

	// Subscription is the filter sent in every REQ frame.
	Subscription SubscriptionConfig `yaml:"subscription"`

	// Profiles controls kind-0 metadata lookups for author names.
	Profiles ProfilesConfig `yaml:"profiles"`

	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// PingInterval is how often keepalive pings are sent. 0 disables pings.
	PingInterval time.Duration `yaml:"ping_interval"`

	// ReadTimeout closes a relay connection that stays silent this long.
	// 0 disables the deadline.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// QueueSize is the capacity of the channel feeding the intake loop.
	QueueSize int `yaml:"queue_size"`
}

// Relay describes one relay endpoint.
type Relay struct {
	// URL is the ws:// or wss:// endpoint.
	URL string `yaml:"url"`
}

// SubscriptionConfig is the REQ filter for notes.
type SubscriptionConfig struct {
	Kinds []int `yaml:"kinds"`
	Limit int   `yaml:"limit"`
}

// ProfilesConfig controls author metadata lookups.
type ProfilesConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// HTTPConfig configures the REST API and WebSocket hub.
type HTTPConfig struct {
	// Addr is the listen address. Empty disables the HTTP server.
	Addr string `yaml:"addr"`

	// BroadcastInterval is how often the hub pushes a snapshot to clients.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`

	// CORSOrigins lists allowed browser origins.
	CORSOrigins []string `yaml:"cors_origins"`

	// Auth configures how HTTP clients authenticate.
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls client authentication on the HTTP server.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to "X-API-Key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "X-API-Key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "X-API-Key"
}

// RenderConfig configures the stdout renderer.
type RenderConfig struct {
	// Interval between renders. 0 disables rendering.
	Interval time.Duration `yaml:"interval"`

	// Top is the number of notes printed per render.
	Top int `yaml:"top"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RelayURLs returns the configured relay endpoints.
func (c ClientConfig) RelayURLs() []string {
	out := make([]string, 0, len(c.Relays))
	for _, r := range c.Relays {
		out = append(out, r.URL)
	}
	return out
}

// envOverrides are POWFEED_* variables layered over the file.
type envOverrides struct {
	Relays    []string `env:"POWFEED_RELAYS" envSeparator:","`
	HTTPAddr  string   `env:"POWFEED_HTTP_ADDR"`
	NoHTTP    bool     `env:"POWFEED_NO_HTTP"`
	LogLevel  string   `env:"POWFEED_LOG_LEVEL"`
	LogFormat string   `env:"POWFEED_LOG_FORMAT"`
	Limit     int      `env:"POWFEED_LIMIT"`
}

// Load reads and parses the YAML config file at path. An empty path skips
// the file and uses defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if len(cfg.Client.Relays) == 0 {
		for _, u := range DefaultRelays {
			cfg.Client.Relays = append(cfg.Client.Relays, Relay{URL: u})
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Client: ClientConfig{
			Subscription: SubscriptionConfig{
				Kinds: []int{nostr.KindTextNote},
				Limit: DefaultLimit,
			},
			Profiles: ProfilesConfig{
				Enabled:       true,
				BatchInterval: DefaultBatchInterval,
				BatchSize:     DefaultBatchSize,
			},
			DialTimeout:  DefaultDialTimeout,
			PingInterval: DefaultPingInterval,
			QueueSize:    DefaultQueueSize,
		},
		HTTP: HTTPConfig{
			Addr:              DefaultHTTPAddr,
			BroadcastInterval: DefaultBroadcastInterval,
			CORSOrigins:       []string{"*"},
			Auth:              AuthConfig{Mode: "none"},
		},
		Render: RenderConfig{
			Top: DefaultRenderTop,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		AdvisoryTTL: DefaultAdvisoryTTL,
	}
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if len(o.Relays) > 0 {
		cfg.Client.Relays = cfg.Client.Relays[:0]
		for _, u := range o.Relays {
			cfg.Client.Relays = append(cfg.Client.Relays, Relay{URL: u})
		}
	}
	if o.HTTPAddr != "" {
		cfg.HTTP.Addr = o.HTTPAddr
	}
	if o.NoHTTP {
		cfg.HTTP.Addr = ""
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if o.Limit > 0 {
		cfg.Client.Subscription.Limit = o.Limit
	}
	return nil
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Client.Relays))
	for i, r := range cfg.Client.Relays {
		if r.URL == "" {
			return fmt.Errorf("client.relays[%d]: url is required", i)
		}
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("client.relays[%d]: %w", i, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("client.relays[%d] %q: scheme must be ws or wss", i, r.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("client.relays[%d] %q: host is required", i, r.URL)
		}
		if seen[r.URL] {
			return fmt.Errorf("client.relays[%d] %q: duplicate relay", i, r.URL)
		}
		seen[r.URL] = true
	}
	if len(cfg.Client.Subscription.Kinds) == 0 {
		return fmt.Errorf("client.subscription.kinds must not be empty")
	}
	if !slices.Contains(cfg.Client.Subscription.Kinds, nostr.KindTextNote) {
		return fmt.Errorf("client.subscription.kinds %v must include %d (text notes)",
			cfg.Client.Subscription.Kinds, nostr.KindTextNote)
	}
	if cfg.Client.Subscription.Limit < 0 {
		return fmt.Errorf("client.subscription.limit must not be negative")
	}
	if cfg.Client.DialTimeout <= 0 {
		return fmt.Errorf("client.dial_timeout must be positive")
	}
	if cfg.Client.PingInterval < 0 || cfg.Client.ReadTimeout < 0 {
		return fmt.Errorf("client.ping_interval and client.read_timeout must not be negative")
	}
	if cfg.Client.QueueSize <= 0 {
		return fmt.Errorf("client.queue_size must be positive")
	}
	if cfg.Client.Profiles.Enabled && cfg.Client.Profiles.BatchInterval <= 0 {
		return fmt.Errorf("client.profiles.batch_interval must be positive")
	}
	if cfg.HTTP.Addr != "" && cfg.HTTP.BroadcastInterval <= 0 {
		return fmt.Errorf("http.broadcast_interval must be positive")
	}
	switch cfg.HTTP.Auth.Mode {
	case "", "none":
	case "apikey":
		if cfg.HTTP.Auth.KeyEnv == "" {
			return fmt.Errorf("http.auth.key_env is required when mode is apikey")
		}
	default:
		return fmt.Errorf("http.auth.mode %q unknown: want apikey|none", cfg.HTTP.Auth.Mode)
	}
	if cfg.Render.Interval < 0 {
		return fmt.Errorf("render.interval must not be negative")
	}
	if cfg.Render.Top < 0 {
		return fmt.Errorf("render.top must not be negative")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}
	if cfg.AdvisoryTTL <= 0 {
		return fmt.Errorf("advisory_ttl must be positive")
	}
	return nil
}
