package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AMI      AMIConfig      `yaml:"ami"`
	AGI      AGIConfig      `yaml:"agi"`
	Cache    CacheConfig    `yaml:"cache"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Store    StoreConfig    `yaml:"store"`
	Provider ProviderConfig `yaml:"provider"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

type AMIConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`

	// Originate defaults.
	Context       string `yaml:"context"`
	Extension     string `yaml:"extension"`
	CallerID      string `yaml:"caller_id"`
	ChannelFormat string `yaml:"channel_format"`

	ConnectAttempts   int           `yaml:"connect_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
}

type AGIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// StoreConfig selects the persistence backends. Voices may live in "memory"
// or "postgres"; call sessions in "memory", "postgres" or "redis".
type StoreConfig struct {
	Voices      string        `yaml:"voices"`
	Sessions    string        `yaml:"sessions"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`
}

type ProviderConfig struct {
	Name   string       `yaml:"name"`
	Twilio TwilioConfig `yaml:"twilio"`
}

type TwilioConfig struct {
	AccountSID  string `yaml:"account_sid"`
	AuthToken   string `yaml:"auth_token"`
	FromNumber  string `yaml:"from_number"`
	CallbackURL string `yaml:"callback_url"`
	// Region is a Twilio processing region such as "ie1". Empty is US1.
	Region      string `yaml:"region"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func (c *AMIConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

func (c *AGIConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Default returns the configuration used before a file is applied.
func Default() *Config {
	return &Config{
		AMI: AMIConfig{
			Host:              "127.0.0.1",
			Port:              5038,
			Context:           "from-internal",
			Extension:         "1000",
			CallerID:          "VoiceBridge <1000>",
			ChannelFormat:     "PJSIP/%s",
			ConnectAttempts:   5,
			RetryDelay:        3 * time.Second,
			KeepaliveInterval: 30 * time.Second,
			CommandTimeout:    10 * time.Second,
		},
		AGI: AGIConfig{
			Host: "0.0.0.0",
			Port: 4573,
		},
		Cache: CacheConfig{
			TTL: 300 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "voicebridge",
			TopicPrefix: "voicebridge",
		},
		Store: StoreConfig{
			Voices:   "memory",
			Sessions: "memory",
			RedisTTL: 24 * time.Hour,
		},
		Provider: ProviderConfig{
			Name: "asterisk",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AMI.Host == "" {
		return fmt.Errorf("ami.host is required")
	}
	if c.AMI.Port < 1 || c.AMI.Port > 65535 {
		return fmt.Errorf("ami.port must be between 1 and 65535, got %d", c.AMI.Port)
	}
	if c.AMI.ConnectAttempts < 1 {
		return fmt.Errorf("ami.connect_attempts must be at least 1, got %d", c.AMI.ConnectAttempts)
	}
	if c.AMI.CommandTimeout <= 0 {
		return fmt.Errorf("ami.command_timeout must be positive")
	}
	if c.AMI.KeepaliveInterval <= 0 {
		return fmt.Errorf("ami.keepalive_interval must be positive")
	}
	if c.AGI.Port < 1 || c.AGI.Port > 65535 {
		return fmt.Errorf("agi.port must be between 1 and 65535, got %d", c.AGI.Port)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}

	switch c.Provider.Name {
	case "asterisk":
		if c.AMI.Username == "" {
			return fmt.Errorf("ami.username is required")
		}
		if c.AMI.Secret == "" {
			return fmt.Errorf("ami.secret is required")
		}
	case "twilio":
		if c.Provider.Twilio.AccountSID == "" {
			return fmt.Errorf("provider.twilio.account_sid is required")
		}
		if c.Provider.Twilio.AuthToken == "" {
			return fmt.Errorf("provider.twilio.auth_token is required")
		}
		if c.Provider.Twilio.FromNumber == "" {
			return fmt.Errorf("provider.twilio.from_number is required")
		}
	default:
		return fmt.Errorf("provider.name must be asterisk or twilio, got %q", c.Provider.Name)
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
	}

	switch c.Store.Voices {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for postgres voices")
		}
	default:
		return fmt.Errorf("store.voices must be memory or postgres, got %q", c.Store.Voices)
	}
	switch c.Store.Sessions {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for postgres sessions")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for redis sessions")
		}
	default:
		return fmt.Errorf("store.sessions must be memory, postgres or redis, got %q", c.Store.Sessions)
	}
	return nil
}
