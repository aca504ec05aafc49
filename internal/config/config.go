package config

import (
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration for a fleetsync instance.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Reconnect     ReconnectConfig    `yaml:"reconnect"`
	Notifications NotificationConfig `yaml:"notifications"`
	Connection    ConnectionConfig   `yaml:"connection"`
	API           APIConfig          `yaml:"api"`
	Journal       JournalConfig      `yaml:"journal"`
	Health        HealthConfig       `yaml:"health"`
	Log           LogConfig          `yaml:"log"`
}

// ServerConfig locates the dashboard backend.
type ServerConfig struct {
	Host   string `yaml:"host"`    // host[:port], e.g. dashboard.local:5000
	Secure bool   `yaml:"secure"`  // wss/https instead of ws/http
	Path   string `yaml:"path"`    // WebSocket path
	APIKey string `yaml:"api_key"` // Bearer token for WebSocket and REST
}

// WebSocketURL returns {scheme}://{host}{path}, with the scheme matching
// the transport security of the REST endpoint.
func (s ServerConfig) WebSocketURL() string {
	scheme := "ws"
	if s.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: s.Host, Path: s.path()}
	return u.String()
}

// BaseURL returns the REST base URL, e.g. https://dashboard.local:5000.
func (s ServerConfig) BaseURL() string {
	scheme := "http"
	if s.Secure {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: s.Host}
	return u.String()
}

func (s ServerConfig) path() string {
	if s.Path == "" {
		return DefaultServerPath
	}
	if !strings.HasPrefix(s.Path, "/") {
		return "/" + s.Path
	}
	return s.Path
}

// ReconnectConfig holds backoff settings.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// NotificationConfig holds batching settings.
type NotificationConfig struct {
	QuietPeriod time.Duration `yaml:"quiet_period"`
}

// ConnectionConfig holds WebSocket client settings.
type ConnectionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// APIConfig holds REST client settings.
type APIConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// JournalConfig holds the optional envelope journal.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig holds the health endpoint settings. An unset port takes
// DefaultHealthPort.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
