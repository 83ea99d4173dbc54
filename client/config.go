package client

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables for the API client and the realtime socket.
type Config struct {
	ServerKey string `yaml:"server_key" json:"server_key" usage:"Server key used for authentication requests. Default 'defaultkey'."`
	Host      string `yaml:"host" json:"host" usage:"Nakama server host. Default '127.0.0.1'."`
	Port      int    `yaml:"port" json:"port" usage:"Nakama server port for the HTTP API and socket. Default 7350."`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl" usage:"Use HTTPS/WSS to reach the server. Default false."`

	RequestTimeoutMs        int `yaml:"request_timeout_ms" json:"request_timeout_ms" usage:"Timeout in milliseconds for HTTP API requests. Default 15000."`
	SessionRefreshWindowSec int `yaml:"session_refresh_window_sec" json:"session_refresh_window_sec" usage:"Refresh the session token when it expires within this many seconds. Default 300."`

	// Socket configuration, mirroring the server's socket timings.
	PingPeriodMs        int   `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Time in milliseconds between client pings. Default 15000."`
	PongWaitMs          int   `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time in milliseconds to wait for a pong before the socket is considered dead. Default 25000."`
	WriteWaitMs         int   `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time in milliseconds allowed for a socket write to complete. Default 5000."`
	MaxMessageSizeBytes int64 `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum incoming socket message size in bytes. Default 4096."`
	OutgoingQueueSize   int   `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"Number of outgoing messages that may be queued before the socket is closed. Default 64."`
	OutgoingRateLimit   int   `yaml:"outgoing_rate_limit" json:"outgoing_rate_limit" usage:"Maximum outgoing socket messages per second. 0 disables the limit. Default 0."`
	ProtobufFormat      bool  `yaml:"protobuf_format" json:"protobuf_format" usage:"Use binary protobuf envelopes on the socket instead of JSON. Default false."`

	// Presence reconciliation.
	PresenceGracePeriodMs int `yaml:"presence_grace_period_ms" json:"presence_grace_period_ms" usage:"Delay in milliseconds before a session leave is committed, absorbing reconnect flicker. Default 5000."`

	// User info cache.
	UserCacheTTLSec int `yaml:"user_cache_ttl_sec" json:"user_cache_ttl_sec" usage:"TTL in seconds for cached user records. Default 300."`

	Retry *RetryConfiguration `yaml:"retry" json:"retry" usage:"Retry behaviour for transient API errors."`
}

func NewConfig() *Config {
	return &Config{
		ServerKey: "defaultkey",
		Host:      "127.0.0.1",
		Port:      7350,
		UseSSL:    false,

		RequestTimeoutMs:        15000,
		SessionRefreshWindowSec: 300,

		PingPeriodMs:        15000,
		PongWaitMs:          25000,
		WriteWaitMs:         5000,
		MaxMessageSizeBytes: 4096,
		OutgoingQueueSize:   64,
		OutgoingRateLimit:   0,
		ProtobufFormat:      false,

		PresenceGracePeriodMs: 5000,

		UserCacheTTLSec: 300,

		Retry: NewRetryConfiguration(),
	}
}

// ParseConfigFile loads a config from a YAML file, applying defaults for
// any fields the file leaves unset.
func ParseConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	config := NewConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("could not parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.ServerKey == "" {
		return fmt.Errorf("server_key must not be empty")
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.PongWaitMs <= c.PingPeriodMs {
		return fmt.Errorf("pong_wait_ms must be greater than ping_period_ms")
	}
	if c.OutgoingQueueSize < 1 {
		return fmt.Errorf("outgoing_queue_size must be at least 1")
	}
	if c.PresenceGracePeriodMs < 0 {
		return fmt.Errorf("presence_grace_period_ms must not be negative")
	}
	return nil
}

func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	configCopy := *c
	configCopy.Retry = c.Retry.Clone()
	return &configCopy
}

func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) GetSessionRefreshWindow() time.Duration {
	return time.Duration(c.SessionRefreshWindowSec) * time.Second
}

func (c *Config) GetPingPeriod() time.Duration {
	return time.Duration(c.PingPeriodMs) * time.Millisecond
}

func (c *Config) GetPongWait() time.Duration {
	return time.Duration(c.PongWaitMs) * time.Millisecond
}

func (c *Config) GetWriteWait() time.Duration {
	return time.Duration(c.WriteWaitMs) * time.Millisecond
}

func (c *Config) GetPresenceGracePeriod() time.Duration {
	return time.Duration(c.PresenceGracePeriodMs) * time.Millisecond
}

func (c *Config) GetUserCacheTTL() time.Duration {
	return time.Duration(c.UserCacheTTLSec) * time.Second
}
