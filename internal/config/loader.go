package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INBOXD_"

// GetConfigPath returns the default config file path (~/.inboxd/config.json).
func GetConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".inboxd", "config.json")
}

// Load reads configuration from a JSON file.
// If path is empty, uses the default config path.
// If the file doesn't exist, returns DefaultConfig().
func Load(path string) (Config, error) {
	if path == "" {
		path = GetConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes configuration to a JSON file.
// If path is empty, uses the default config path.
func Save(cfg Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Resolve builds the effective configuration: file over defaults, then the
// dotenv file (variables already set in the process win), then INBOXD_*
// overrides. The result is validated.
func Resolve(path, envFile string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

type envSetter func(cfg *Config, v string) error

func str(dst func(*Config) *string) envSetter {
	return func(cfg *Config, v string) error { *dst(cfg) = v; return nil }
}

func num(dst func(*Config) *int) envSetter {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func flag(dst func(*Config) *bool) envSetter {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

// envOverrides maps INBOXD_<NAME> to the field it sets.
var envOverrides = map[string]envSetter{
	"ENV":                str(func(c *Config) *string { return &c.Env }),
	"LOG_LEVEL":          str(func(c *Config) *string { return &c.Log.Level }),
	"HOST":               str(func(c *Config) *string { return &c.Server.Host }),
	"PORT":               num(func(c *Config) *int { return &c.Server.Port }),
	"ALLOWED_ORIGINS": func(c *Config, v string) error {
		c.Server.AllowedOrigins = splitList(v)
		return nil
	},
	"STORE_DRIVER":       str(func(c *Config) *string { return &c.Store.Driver }),
	"DATABASE_URL":       databaseURL,
	"STORE_MAX_CONNS":    num(func(c *Config) *int { return &c.Store.MaxConns }),
	"WHATSAPP_ENABLED":   flag(func(c *Config) *bool { return &c.WhatsApp.Enabled }),
	"WHATSAPP_STORE_DSN": str(func(c *Config) *string { return &c.WhatsApp.StoreDSN }),
	"META_ENABLED":       flag(func(c *Config) *bool { return &c.Meta.Enabled }),
	"META_GRAPH_URL":     str(func(c *Config) *string { return &c.Meta.GraphURL }),
	"META_APP_SECRET":    str(func(c *Config) *string { return &c.Meta.AppSecret }),
	"META_VERIFY_TOKEN":  str(func(c *Config) *string { return &c.Meta.VerifyToken }),
	"META_SUBSCRIBE":     flag(func(c *Config) *bool { return &c.Meta.Subscribe }),
	"REDIS_URL":          str(func(c *Config) *string { return &c.Redis.URL }),
	"REDIS_PASSWORD":     str(func(c *Config) *string { return &c.Redis.Password }),
	"JWT_SECRET":         str(func(c *Config) *string { return &c.Auth.JWTSecret }),
	"TOKEN_TTL_MINUTES":  num(func(c *Config) *int { return &c.Auth.TokenTTLMinutes }),
	"PAIRING_TIMEOUT":    num(func(c *Config) *int { return &c.Pairing.TimeoutSeconds }),
	"SEND_TIMEOUT":       num(func(c *Config) *int { return &c.Registry.SendTimeoutSeconds }),
	"BROADCAST_QUEUE":    num(func(c *Config) *int { return &c.Broadcast.QueueSize }),
	"PROVIDER_NAME":      str(func(c *Config) *string { return &c.Provider.Name }),
	"PROVIDER_API_KEY":   str(func(c *Config) *string { return &c.Provider.APIKey }),
	"PROVIDER_API_BASE":  str(func(c *Config) *string { return &c.Provider.APIBase }),
	"PROVIDER_MODEL":     str(func(c *Config) *string { return &c.Provider.Model }),
	"LOGIN_RATE_PER_MIN": num(func(c *Config) *int { return &c.RateLimit.LoginPerMinute }),
	"SEED_FILE":          str(func(c *Config) *string { return &c.SeedFile }),
}

// databaseURL sets the DSN and infers the driver from its scheme.
func databaseURL(c *Config, v string) error {
	c.Store.DSN = v
	if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
		c.Store.Driver = "postgres"
	}
	return nil
}

// ApplyEnv applies INBOXD_* overrides found through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var bad []string
	for name, set := range envOverrides {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(cfg, strings.TrimSpace(v)); err != nil {
			bad = append(bad, EnvPrefix+name)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(bad, ", "))
	}
	return nil
}

// Validate checks the fields every process needs.
func (c Config) Validate() error {
	var problems []string
	switch c.Env {
	case "development", "production", "test":
	default:
		problems = append(problems, fmt.Sprintf("env %q must be development, production or test", c.Env))
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		problems = append(problems, "store.dsn is required")
	}
	if c.Store.MaxConns < 0 {
		problems = append(problems, "store.maxConns must not be negative")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Pairing.TimeoutSeconds < 1 {
		problems = append(problems, "pairing.timeoutSeconds must be positive")
	}
	if c.Registry.SendTimeoutSeconds < 1 {
		problems = append(problems, "registry.sendTimeoutSeconds must be positive")
	}
	if c.Broadcast.QueueSize < 1 {
		problems = append(problems, "broadcast.queueSize must be positive")
	}
	if c.Meta.Enabled && c.Meta.VerifyToken != "" && c.Meta.AppSecret == "" {
		problems = append(problems, "meta.appSecret is required to accept webhooks")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
