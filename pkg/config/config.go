// Package config loads the client configuration from a YAML file, a .env
// file and MARKETCHAT_* environment variables, in increasing precedence.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/marketchat/pkg/call"
	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/eventbus"
	"github.com/go-go-golems/marketchat/pkg/notify"
	"github.com/go-go-golems/marketchat/pkg/signaling"
	"github.com/go-go-golems/marketchat/pkg/typing"
)

const EnvPrefix = "MARKETCHAT"

type Config struct {
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
	Signaling     SignalingConfig     `mapstructure:"signaling" yaml:"signaling"`
	Chat          ChatConfig          `mapstructure:"chat" yaml:"chat"`
	Call          CallConfig          `mapstructure:"call" yaml:"call"`
	Store         StoreConfig         `mapstructure:"store" yaml:"store"`
	EventBus      eventbus.Settings   `mapstructure:"eventbus" yaml:"eventbus"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
}

type ServerConfig struct {
	SignalingURL string `mapstructure:"signaling_url" yaml:"signaling_url" validate:"required,url"`
	APIBaseURL   string `mapstructure:"api_base_url" yaml:"api_base_url" validate:"omitempty,url"`
	Token        string `mapstructure:"token" yaml:"token"`
	UserID       string `mapstructure:"user_id" yaml:"user_id"`
	// APIRetries is the retry budget of REST calls.
	APIRetries int           `mapstructure:"api_retries" yaml:"api_retries" validate:"gte=0"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=auto console json"`
}

type SignalingConfig struct {
	BufferSize     int           `mapstructure:"buffer_size" yaml:"buffer_size" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	Jitter         float64       `mapstructure:"jitter" yaml:"jitter" validate:"gte=0,lte=1"`
	DegradedAfter  int           `mapstructure:"degraded_after" yaml:"degraded_after" validate:"gte=1"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval" validate:"gte=0"`
}

func (s SignalingConfig) Options() signaling.Options {
	return signaling.Options{
		BufferSize:     s.BufferSize,
		InitialBackoff: s.InitialBackoff,
		MaxBackoff:     s.MaxBackoff,
		Jitter:         s.Jitter,
		DegradedAfter:  s.DegradedAfter,
		DialTimeout:    s.DialTimeout,
		WriteTimeout:   s.WriteTimeout,
		PingInterval:   s.PingInterval,
	}
}

type ChatConfig struct {
	AckTimeout  time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout" validate:"gt=0"`
	TypingQuiet time.Duration `mapstructure:"typing_quiet" yaml:"typing_quiet" validate:"gt=0"`
}

type CallConfig struct {
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout" yaml:"negotiation_timeout" validate:"gt=0"`
	Audio              bool          `mapstructure:"audio" yaml:"audio"`
	Video              bool          `mapstructure:"video" yaml:"video"`
}

func (c CallConfig) Options() call.Options {
	return call.Options{
		NegotiationTimeout: c.NegotiationTimeout,
		Constraints:        call.Constraints{Audio: c.Audio, Video: c.Video},
	}
}

type StoreConfig struct {
	// Path of the sqlite message cache. Empty keeps messages in memory.
	Path string `mapstructure:"path" yaml:"path"`
	// MemoryLimit caps the in-memory cache per conversation.
	MemoryLimit int `mapstructure:"memory_limit" yaml:"memory_limit" validate:"gte=0"`
}

type NotificationsConfig struct {
	Preferences map[string]bool `mapstructure:"preferences" yaml:"preferences"`
	InboxSize   int             `mapstructure:"inbox_size" yaml:"inbox_size" validate:"gte=1"`
	// RedisPrefix enables the redis preference store when the event bus is
	// enabled.
	RedisPrefix string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
}

// Defaults maps the configured keys onto categories. Keys match
// case-insensitively since viper lowercases them.
func (n NotificationsConfig) Defaults() notify.Preferences {
	prefs := notify.Preferences{}
	for k, v := range n.Preferences {
		if c, ok := category(k); ok {
			prefs[c] = v
		}
	}
	return prefs
}

func category(key string) (notify.Category, bool) {
	return lo.Find(notify.KnownCategories, func(c notify.Category) bool {
		return strings.EqualFold(string(c), key)
	})
}

func Default() Config {
	sig := signaling.DefaultOptions()
	bus := eventbus.DefaultSettings()
	return Config{
		Server: ServerConfig{
			SignalingURL: "ws://localhost:8080/ws",
			APIBaseURL:   "http://localhost:8080",
			APIRetries:   3,
			APITimeout:   15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "auto"},
		Signaling: SignalingConfig{
			BufferSize:     sig.BufferSize,
			InitialBackoff: sig.InitialBackoff,
			MaxBackoff:     sig.MaxBackoff,
			Jitter:         sig.Jitter,
			DegradedAfter:  sig.DegradedAfter,
			DialTimeout:    sig.DialTimeout,
			WriteTimeout:   sig.WriteTimeout,
			PingInterval:   sig.PingInterval,
		},
		Chat: ChatConfig{
			AckTimeout:  chat.DefaultAckTimeout,
			TypingQuiet: typing.DefaultQuietPeriod,
		},
		Call: CallConfig{
			NegotiationTimeout: call.DefaultNegotiationTimeout,
			Audio:              true,
			Video:              true,
		},
		Store:         StoreConfig{MemoryLimit: 1000},
		EventBus:      bus,
		Notifications: NotificationsConfig{InboxSize: notify.DefaultInboxCapacity},
	}
}

// DefaultPath is ~/.marketchat/config.yaml.
func DefaultPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".marketchat", "config.yaml")
}

// Load reads path (or DefaultPath when empty and present), applies .env and
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, errors.Wrapf(err, "read config %s", path)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	storePath, err := homedir.Expand(cfg.Store.Path)
	if err != nil {
		return nil, errors.Wrap(err, "expand store.path")
	}
	cfg.Store.Path = storePath
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, cfg Config) {
	var flat map[string]interface{}
	b, _ := yaml.Marshal(cfg)
	_ = yaml.Unmarshal(b, &flat)
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]interface{}); ok && len(sub) > 0 {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", flat)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	for k := range c.Notifications.Preferences {
		if _, ok := category(k); !ok {
			return errors.Errorf("invalid config: unknown notification category %q", k)
		}
	}
	return nil
}

// YAML renders the configuration in the file format Load reads.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return buf.Bytes(), nil
}
