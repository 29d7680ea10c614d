// Package config handles configuration loading, saving, and schema definition.
package config

import "time"

// Config is the top-level inboxd configuration. JSON tags are camelCase to
// match the config file.
type Config struct {
	Env       string          `json:"env"`
	Log       LogConfig       `json:"log"`
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Meta      MetaConfig      `json:"meta"`
	Redis     RedisConfig     `json:"redis"`
	Auth      AuthConfig      `json:"auth"`
	Pairing   PairingConfig   `json:"pairing"`
	Registry  RegistryConfig  `json:"registry"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Provider  ProviderConfig  `json:"provider"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	// SeedFile is an agents.yaml applied at startup; missing is fine.
	SeedFile string `json:"seedFile,omitempty"`
}

// LogConfig selects the zap level.
type LogConfig struct {
	Level string `json:"level,omitempty"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	// AllowedOrigins for the websocket upgrade; empty allows any origin.
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// StoreConfig selects the Session Store. Driver is "sqlite" or "postgres".
type StoreConfig struct {
	Driver   string `json:"driver,omitempty"`
	DSN      string `json:"dsn,omitempty"`
	MaxConns int    `json:"maxConns,omitempty"` // postgres pool cap, 0 keeps the default
}

// WhatsAppConfig holds the whatsmeow device store location.
type WhatsAppConfig struct {
	Enabled  bool   `json:"enabled"`
	StoreDSN string `json:"storeDsn,omitempty"`
}

// MetaConfig holds Facebook/Instagram Graph API and webhook settings.
type MetaConfig struct {
	Enabled     bool   `json:"enabled"`
	GraphURL    string `json:"graphUrl,omitempty"`
	AppSecret   string `json:"appSecret,omitempty"`
	VerifyToken string `json:"verifyToken,omitempty"`
	// Subscribe manages the page's subscribed_apps on connect and removal.
	Subscribe bool `json:"subscribe,omitempty"`
}

// RedisConfig holds the pairing cache; an empty URL keeps payloads in memory.
type RedisConfig struct {
	URL      string `json:"url,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSecret       string `json:"jwtSecret,omitempty"`
	TokenTTLMinutes int    `json:"tokenTtlMinutes,omitempty"`
}

// PairingConfig bounds the QR pairing wait.
type PairingConfig struct {
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// RegistryConfig holds Conversation Registry settings.
type RegistryConfig struct {
	SendTimeoutSeconds int `json:"sendTimeoutSeconds,omitempty"`
	LaneQueueSize      int `json:"laneQueueSize,omitempty"`
	BusSize            int `json:"busSize,omitempty"`
}

// BroadcastConfig holds websocket fan-out settings.
type BroadcastConfig struct {
	QueueSize               int `json:"queueSize,omitempty"`
	HandshakeTimeoutSeconds int `json:"handshakeTimeoutSeconds,omitempty"`
}

// ProviderConfig points at an OpenAI-compatible generation endpoint.
type ProviderConfig struct {
	Name    string `json:"name,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
	Model   string `json:"model,omitempty"`
}

// RateLimitConfig holds the login and API limiters.
type RateLimitConfig struct {
	LoginPerMinute int     `json:"loginPerMinute,omitempty"`
	APIPerSecond   float64 `json:"apiPerSecond,omitempty"`
	APIBurst       int     `json:"apiBurst,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Env: "development",
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Store:    StoreConfig{Driver: "sqlite", DSN: "inboxd.db"},
		WhatsApp: WhatsAppConfig{Enabled: true, StoreDSN: "whatsapp.db"},
		Meta:     MetaConfig{Enabled: true},
		Auth:     AuthConfig{TokenTTLMinutes: 24 * 60},
		Pairing:  PairingConfig{TimeoutSeconds: 60},
		Registry: RegistryConfig{SendTimeoutSeconds: 30, LaneQueueSize: 64, BusSize: 256},
		Broadcast: BroadcastConfig{
			QueueSize:               64,
			HandshakeTimeoutSeconds: 10,
		},
		Provider:  ProviderConfig{Model: "gpt-4o-mini"},
		RateLimit: RateLimitConfig{LoginPerMinute: 10, APIPerSecond: 20, APIBurst: 40},
		SeedFile:  "agents.yaml",
	}
}

// Production reports whether error details must be hidden from clients.
func (c Config) Production() bool { return c.Env == "production" }

// Addr is the HTTP listen address.
func (c Config) Addr() string { return joinHostPort(c.Server.Host, c.Server.Port) }

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

func (c Config) PairingTimeout() time.Duration {
	return time.Duration(c.Pairing.TimeoutSeconds) * time.Second
}

func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.Registry.SendTimeoutSeconds) * time.Second
}

func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Broadcast.HandshakeTimeoutSeconds) * time.Second
}
