// Package config loads daemon settings from an optional YAML file and
// OFFSYNC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"offsync.org/internal/policy"
)

const EnvPrefix = "OFFSYNC"

// Config is the full daemon configuration.
type Config struct {
	Log          Log
	API          API
	Auth         Auth
	Store        Store
	Queue        Queue
	Cache        Cache
	Connectivity Connectivity
	Sync         Sync
	HTTP         HTTP
	Viper        *viper.Viper
}

type Log struct {
	Level  string
	Format string
}

// API is the remote API the client talks to.
type API struct {
	BaseURL string
	Timeout time.Duration
	Breaker bool
}

// Auth selects the identity provider. Provider is "gotrue" or "oauth2".
type Auth struct {
	Provider     string
	BaseURL      string
	APIKey       string
	ClientID     string
	ClientSecret string
	TokenURL     string
	RevokeURL    string
}

// Store selects the persistence backend: "memory", "sqlite" or "postgres".
type Store struct {
	Backend string
	DSN     string
}

type Queue struct {
	MaxRetries    int
	DrainInterval time.Duration
}

type Cache struct {
	SweepInterval time.Duration
}

// Connectivity configures the reachability probe. An empty ProbeURL keeps
// the daemon online until told otherwise.
type Connectivity struct {
	ProbeURL      string
	ProbeInterval time.Duration
}

type Sync struct {
	Interval       time.Duration
	RatePerSecond  float64
	Burst          int
	Parallelism    int
	BackgroundMode string
	Profiles       []policy.Profile
}

// HTTP is the local ops API.
type HTTP struct {
	Addr          string
	RateBurst     int
	RatePerSecond int
}

// Load reads configPath (optional) and environment overrides on top of the
// defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		API: API{
			BaseURL: v.GetString("api.base_url"),
			Timeout: v.GetDuration("api.timeout"),
			Breaker: v.GetBool("api.breaker"),
		},
		Auth:  getAuthConfig(v),
		Store: Store{Backend: strings.ToLower(v.GetString("store.backend")), DSN: v.GetString("store.dsn")},
		Queue: Queue{
			MaxRetries:    v.GetInt("queue.max_retries"),
			DrainInterval: v.GetDuration("queue.drain_interval"),
		},
		Cache: Cache{SweepInterval: v.GetDuration("cache.sweep_interval")},
		Connectivity: Connectivity{
			ProbeURL:      v.GetString("connectivity.probe_url"),
			ProbeInterval: v.GetDuration("connectivity.probe_interval"),
		},
		HTTP: HTTP{
			Addr:          v.GetString("http.addr"),
			RateBurst:     v.GetInt("http.rate_burst"),
			RatePerSecond: v.GetInt("http.rate_per_second"),
		},
		Viper: v,
	}
	syncCfg, err := getSyncConfig(v)
	if err != nil {
		return nil, err
	}
	cfg.Sync = syncCfg

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for %s", c.Store.Backend)
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Auth.Provider {
	case "gotrue", "oauth2":
	default:
		return fmt.Errorf("config: unknown auth provider %q", c.Auth.Provider)
	}
	switch c.Sync.BackgroundMode {
	case "worker", "manual":
	default:
		return fmt.Errorf("config: unknown background mode %q", c.Sync.BackgroundMode)
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("config: queue.max_retries must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.breaker", true)
	v.SetDefault("auth.provider", "gotrue")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.dsn", "file:offsync.db?_busy_timeout=5000&_journal_mode=WAL")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.drain_interval", time.Minute)
	v.SetDefault("cache.sweep_interval", 5*time.Minute)
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("sync.interval", 10*time.Minute)
	v.SetDefault("sync.rate_per_second", 10.0)
	v.SetDefault("sync.burst", 5)
	v.SetDefault("sync.parallelism", 4)
	v.SetDefault("sync.background_mode", "worker")
	v.SetDefault("http.addr", "127.0.0.1:8089")
	v.SetDefault("http.rate_burst", 20)
	v.SetDefault("http.rate_per_second", 10)
}

func getAuthConfig(v *viper.Viper) Auth {
	return Auth{
		Provider:     strings.ToLower(v.GetString("auth.provider")),
		BaseURL:      v.GetString("auth.base_url"),
		APIKey:       v.GetString("auth.api_key"),
		ClientID:     v.GetString("auth.client_id"),
		ClientSecret: v.GetString("auth.client_secret"),
		TokenURL:     v.GetString("auth.token_url"),
		RevokeURL:    v.GetString("auth.revoke_url"),
	}
}

func getSyncConfig(v *viper.Viper) (Sync, error) {
	s := Sync{
		Interval:       v.GetDuration("sync.interval"),
		RatePerSecond:  v.GetFloat64("sync.rate_per_second"),
		Burst:          v.GetInt("sync.burst"),
		Parallelism:    v.GetInt("sync.parallelism"),
		BackgroundMode: strings.ToLower(v.GetString("sync.background_mode")),
	}
	if v.IsSet("sync.profiles") {
		if err := v.UnmarshalKey("sync.profiles", &s.Profiles); err != nil {
			return Sync{}, fmt.Errorf("config: sync.profiles: %w", err)
		}
	}
	return s, nil
}
