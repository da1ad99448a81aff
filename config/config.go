// Package config loads engine configuration from YAML, TOML or JSON files
// with OFFSYNC_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/resolver"
)

// Duration is a time.Duration written as a Go duration string ("1m30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// StoreConfig locates the durable SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path" json:"path"`
	WAL  bool   `yaml:"wal" toml:"wal" json:"wal"`
}

// RemoteConfig addresses the server.
type RemoteConfig struct {
	BaseURL   string   `yaml:"base_url" toml:"base_url" json:"base_url"`
	NotifyURL string   `yaml:"notify_url,omitempty" toml:"notify_url" json:"notify_url,omitempty"`
	// NotifyMode picks the notification transport: "ws" (default) or "sse".
	NotifyMode string `yaml:"notify_mode,omitempty" toml:"notify_mode" json:"notify_mode,omitempty"`
	Timeout   Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	// Token is sent as a bearer credential when set.
	Token string `yaml:"token,omitempty" toml:"token" json:"token,omitempty"`
}

// Notification transports.
const (
	NotifyWebSocket = "ws"
	NotifySSE       = "sse"
)

// SyncConfig tunes the coordinator.
type SyncConfig struct {
	BaseDelay       Duration              `yaml:"base_delay" toml:"base_delay" json:"base_delay"`
	MaxDelay        Duration              `yaml:"max_delay" toml:"max_delay" json:"max_delay"`
	Jitter          float64               `yaml:"jitter" toml:"jitter" json:"jitter"`
	MaxAttempts     int                   `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	Parallelism     int                   `yaml:"parallelism" toml:"parallelism" json:"parallelism"`
	MaxPushRounds   int                   `yaml:"max_push_rounds" toml:"max_push_rounds" json:"max_push_rounds"`
	MaxPullBatches  int                   `yaml:"max_pull_batches" toml:"max_pull_batches" json:"max_pull_batches"`
	PullLimit       int                   `yaml:"pull_limit" toml:"pull_limit" json:"pull_limit"`
	SendTimeout     Duration              `yaml:"send_timeout" toml:"send_timeout" json:"send_timeout"`
	Periodic        string                `yaml:"periodic,omitempty" toml:"periodic" json:"periodic,omitempty"`
	UserDecisionTTL Duration              `yaml:"user_decision_ttl,omitempty" toml:"user_decision_ttl" json:"user_decision_ttl,omitempty"`
	ConflictPolicy  string                `yaml:"conflict_policy" toml:"conflict_policy" json:"conflict_policy"`
	Rules           []resolver.RuleConfig `yaml:"rules,omitempty" toml:"rules" json:"rules,omitempty"`
}

// ServerConfig is used by the reference server.
type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr" json:"addr"`
	// TokenSecret verifies HS256 account tokens on claim requests.
	TokenSecret string `yaml:"token_secret,omitempty" toml:"token_secret" json:"token_secret,omitempty"`
}

// Config is the complete engine configuration.
type Config struct {
	Store   StoreConfig    `yaml:"store" toml:"store" json:"store"`
	Remote  RemoteConfig   `yaml:"remote" toml:"remote" json:"remote"`
	Sync    SyncConfig     `yaml:"sync" toml:"sync" json:"sync"`
	Server  ServerConfig   `yaml:"server" toml:"server" json:"server"`
	Logging logging.Config `yaml:"logging" toml:"logging" json:"logging"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "offsync.db", WAL: true},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8080",
			Timeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			BaseDelay:      Duration(time.Second),
			MaxDelay:       Duration(5 * time.Minute),
			Jitter:         0.2,
			MaxAttempts:    5,
			Parallelism:    4,
			MaxPushRounds:  8,
			MaxPullBatches: 50,
			PullLimit:      100,
			SendTimeout:    Duration(30 * time.Second),
			ConflictPolicy: resolver.PolicyLastWriteWins,
		},
		Server:  ServerConfig{Addr: ":8080"},
		Logging: logging.DefaultConfig,
	}
}

// Load reads path over Default. The format follows the extension: .yaml or
// .yml, .toml, otherwise JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := Decode(data, filepath.Ext(path), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode decodes data in the format named by ext into cfg.
func Decode(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		return yaml.Unmarshal(data, cfg)
	case "toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case "json", "":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format: %s", ext)
	}
}

// Save writes cfg to path in the format its extension names.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".toml":
		var b strings.Builder
		err = toml.NewEncoder(&b).Encode(c)
		data = []byte(b.String())
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o640)
}

// ApplyEnv overlays OFFSYNC_* variables, then the logging package's LOG_*
// variables.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("OFFSYNC_" + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv("OFFSYNC_" + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OFFSYNC_%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := os.LookupEnv("OFFSYNC_" + key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("OFFSYNC_%s: %w", key, err)
		}
		return nil
	}

	str("STORE_PATH", &c.Store.Path)
	str("REMOTE_URL", &c.Remote.BaseURL)
	str("NOTIFY_URL", &c.Remote.NotifyURL)
	str("NOTIFY_MODE", &c.Remote.NotifyMode)
	str("TOKEN", &c.Remote.Token)
	str("PERIODIC", &c.Sync.Periodic)
	str("CONFLICT_POLICY", &c.Sync.ConflictPolicy)
	str("SERVER_ADDR", &c.Server.Addr)
	str("TOKEN_SECRET", &c.Server.TokenSecret)

	for _, f := range []func() error{
		func() error { return dur("REMOTE_TIMEOUT", &c.Remote.Timeout) },
		func() error { return dur("BASE_DELAY", &c.Sync.BaseDelay) },
		func() error { return dur("MAX_DELAY", &c.Sync.MaxDelay) },
		func() error { return dur("SEND_TIMEOUT", &c.Sync.SendTimeout) },
		func() error { return dur("USER_DECISION_TTL", &c.Sync.UserDecisionTTL) },
		func() error { return num("MAX_ATTEMPTS", &c.Sync.MaxAttempts) },
		func() error { return num("PARALLELISM", &c.Sync.Parallelism) },
		func() error { return num("PULL_LIMIT", &c.Sync.PullLimit) },
	} {
		if err := f(); err != nil {
			return errors.E(errors.OpConfig, errors.Component("config"), errors.KindInvalid, err)
		}
	}

	c.Logging = logging.ApplyEnv(c.Logging)
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.E(errors.OpConfig, errors.Component("config"), errors.KindInvalid, fmt.Sprintf(format, args...))
	}
	s := c.Sync
	switch {
	case c.Store.Path == "":
		return invalid("store.path is required")
	case s.MaxAttempts < 1:
		return invalid("sync.max_attempts must be at least 1")
	case s.Parallelism < 1:
		return invalid("sync.parallelism must be at least 1")
	case s.MaxPushRounds < 1:
		return invalid("sync.max_push_rounds must be at least 1")
	case s.MaxPullBatches < 1:
		return invalid("sync.max_pull_batches must be at least 1")
	case s.PullLimit < 1:
		return invalid("sync.pull_limit must be at least 1")
	case s.BaseDelay <= 0:
		return invalid("sync.base_delay must be positive")
	case s.MaxDelay < s.BaseDelay:
		return invalid("sync.max_delay (%s) is below sync.base_delay (%s)", s.MaxDelay, s.BaseDelay)
	case s.Jitter < 0 || s.Jitter > 1:
		return invalid("sync.jitter must be within [0,1]")
	case s.UserDecisionTTL < 0:
		return invalid("sync.user_decision_ttl cannot be negative")
	}
	switch c.Remote.NotifyMode {
	case "", NotifyWebSocket, NotifySSE:
	default:
		return invalid("remote.notify_mode must be %q or %q", NotifyWebSocket, NotifySSE)
	}
	if s.Periodic != "" {
		if _, err := cron.ParseStandard(s.Periodic); err != nil {
			return invalid("sync.periodic: %v", err)
		}
	}
	if _, err := resolver.FromConfig(s.ConflictPolicy, s.Rules); err != nil {
		return invalid("sync: %v", err)
	}
	return nil
}

// Resolver builds the conflict resolver the configuration describes.
func (c *Config) Resolver() (resolver.Resolver, error) {
	return resolver.FromConfig(c.Sync.ConflictPolicy, c.Sync.Rules)
}
