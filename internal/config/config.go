package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coursechat/pkg/types"
)

const envPrefix = "COURSECHAT_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig
	HTTP      *HTTPConfig
	WebSocket *WebSocketConfig
	Auth      *AuthConfig
	Presence  *PresenceConfig
	Client    *ClientConfig
	Logging   *LoggingConfig
}

type DatabaseConfig struct {
	Path           string
	MaxConnections int
	// MigrationsPath replaces the embedded migrations when set
	MigrationsPath string
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr returns the listen address
func (h *HTTPConfig) Addr() string {
	return h.Host + ":" + strconv.Itoa(h.Port)
}

// WebSocketConfig covers the push endpoint and relay throttling
type WebSocketConfig struct {
	Path       string
	RateLimit  int
	RateWindow time.Duration
}

type AuthConfig struct {
	// Secret signs and verifies bearer tokens; the server refuses to start without it
	Secret   string
	TokenTTL time.Duration
}

// PresenceConfig controls how often online users are re-announced and how
// long a client trusts an online status without a refresh
type PresenceConfig struct {
	Heartbeat  time.Duration
	StaleAfter time.Duration
}

// ClientConfig identifies the signed-in user for the chat client
type ClientConfig struct {
	ServerURL string
	UserID    string
	UserName  string
	Role      string
	Token     string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// SlogLevel parses Level, defaulting to info
func (l *LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// FUNCTIONAL DISCOVERY: Defaults run a local single-node server
// SQLite under ./data, HTTP on 8080, heartbeat every 30s
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/coursechat.db",
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			Path:       "/ws",
			RateLimit:  100,
			RateWindow: time.Minute,
		},
		Auth: &AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Presence: &PresenceConfig{
			Heartbeat:  30 * time.Second,
			StaleAfter: 90 * time.Second,
		},
		Client: &ClientConfig{
			ServerURL: "http://localhost:8080",
		},
		Logging: &LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Auth == nil ||
		c.Presence == nil || c.Client == nil || c.Logging == nil {
		return errors.New("all configuration sections are required")
	}

	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return errors.New("database max connections must be positive")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return errors.New("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return errors.New("WebSocket path must start with /")
	}
	if c.WebSocket.RateLimit <= 0 {
		return errors.New("WebSocket rate limit must be positive")
	}
	if c.WebSocket.RateWindow <= 0 {
		return errors.New("WebSocket rate window must be positive")
	}

	if c.Auth.TokenTTL < 0 {
		return errors.New("auth token TTL cannot be negative")
	}

	// zero disables either bound
	if c.Presence.Heartbeat < 0 {
		return errors.New("presence heartbeat cannot be negative")
	}
	if c.Presence.StaleAfter < 0 {
		return errors.New("presence stale-after cannot be negative")
	}

	if c.Client.ServerURL != "" {
		u, err := url.Parse(c.Client.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("client server URL %q must be http or https", c.Client.ServerURL)
		}
	}
	if c.Client.Role != "" {
		if _, err := types.ParseRole(c.Client.Role); err != nil {
			return fmt.Errorf("client role: %w", err)
		}
	}
	if c.Client.UserID != "" && !types.IsValidUserID(c.Client.UserID) {
		return fmt.Errorf("client user: %w", types.ErrInvalidUserID)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Supports containerized deployments and configuration management systems
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

// applyEnv overrides cfg with any COURSECHAT_* variables that are set and
// parse; malformed numbers and durations are ignored
func applyEnv(config *Config) {
	envString("DATABASE_PATH", &config.Database.Path)
	envInt("DATABASE_MAX_CONNECTIONS", &config.Database.MaxConnections)
	envString("DATABASE_MIGRATIONS_PATH", &config.Database.MigrationsPath)

	envString("HTTP_HOST", &config.HTTP.Host)
	envInt("HTTP_PORT", &config.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envString("WEBSOCKET_PATH", &config.WebSocket.Path)
	envInt("WEBSOCKET_RATE_LIMIT", &config.WebSocket.RateLimit)
	envDuration("WEBSOCKET_RATE_WINDOW", &config.WebSocket.RateWindow)

	envString("AUTH_SECRET", &config.Auth.Secret)
	envDuration("AUTH_TOKEN_TTL", &config.Auth.TokenTTL)

	envDuration("PRESENCE_HEARTBEAT", &config.Presence.Heartbeat)
	envDuration("PRESENCE_STALE_AFTER", &config.Presence.StaleAfter)

	envString("CLIENT_SERVER_URL", &config.Client.ServerURL)
	envString("CLIENT_USER_ID", &config.Client.UserID)
	envString("CLIENT_USER_NAME", &config.Client.UserName)
	envString("CLIENT_ROLE", &config.Client.Role)
	envString("CLIENT_TOKEN", &config.Client.Token)

	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
}

func envString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile represents the YAML structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for parsing to handle duration strings.
// JSON documents are valid YAML so either format loads.
type ConfigFile struct {
	Database  *DatabaseConfigFile  `yaml:"database"`
	HTTP      *HTTPConfigFile      `yaml:"http"`
	WebSocket *WebSocketConfigFile `yaml:"websocket"`
	Auth      *AuthConfigFile      `yaml:"auth"`
	Presence  *PresenceConfigFile  `yaml:"presence"`
	Client    *ClientConfigFile    `yaml:"client"`
	Logging   *LoggingConfigFile   `yaml:"logging"`
}

type DatabaseConfigFile struct {
	Path           string `yaml:"path"`
	MaxConnections int    `yaml:"max_connections"`
	MigrationsPath string `yaml:"migrations_path"`
}

type HTTPConfigFile struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type WebSocketConfigFile struct {
	Path       string `yaml:"path"`
	RateLimit  int    `yaml:"rate_limit"`
	RateWindow string `yaml:"rate_window"`
}

type AuthConfigFile struct {
	Secret   string `yaml:"secret"`
	TokenTTL string `yaml:"token_ttl"`
}

type PresenceConfigFile struct {
	Heartbeat  string `yaml:"heartbeat"`
	StaleAfter string `yaml:"stale_after"`
}

type ClientConfigFile struct {
	ServerURL string `yaml:"server_url"`
	UserID    string `yaml:"user_id"`
	UserName  string `yaml:"user_name"`
	Role      string `yaml:"role"`
	Token     string `yaml:"token"`
}

type LoggingConfigFile struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FUNCTIONAL DISCOVERY: File-based configuration supports complex deployment scenarios
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var f ConfigFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	p := durationParser{file: filepath}

	if f.Database != nil {
		setString(&config.Database.Path, f.Database.Path)
		setInt(&config.Database.MaxConnections, f.Database.MaxConnections)
		setString(&config.Database.MigrationsPath, f.Database.MigrationsPath)
	}
	if f.HTTP != nil {
		setString(&config.HTTP.Host, f.HTTP.Host)
		setInt(&config.HTTP.Port, f.HTTP.Port)
		p.set(&config.HTTP.ReadTimeout, "http.read_timeout", f.HTTP.ReadTimeout)
		p.set(&config.HTTP.WriteTimeout, "http.write_timeout", f.HTTP.WriteTimeout)
	}
	if f.WebSocket != nil {
		setString(&config.WebSocket.Path, f.WebSocket.Path)
		setInt(&config.WebSocket.RateLimit, f.WebSocket.RateLimit)
		p.set(&config.WebSocket.RateWindow, "websocket.rate_window", f.WebSocket.RateWindow)
	}
	if f.Auth != nil {
		setString(&config.Auth.Secret, f.Auth.Secret)
		p.set(&config.Auth.TokenTTL, "auth.token_ttl", f.Auth.TokenTTL)
	}
	if f.Presence != nil {
		p.set(&config.Presence.Heartbeat, "presence.heartbeat", f.Presence.Heartbeat)
		p.set(&config.Presence.StaleAfter, "presence.stale_after", f.Presence.StaleAfter)
	}
	if f.Client != nil {
		setString(&config.Client.ServerURL, f.Client.ServerURL)
		setString(&config.Client.UserID, f.Client.UserID)
		setString(&config.Client.UserName, f.Client.UserName)
		setString(&config.Client.Role, f.Client.Role)
		setString(&config.Client.Token, f.Client.Token)
	}
	if f.Logging != nil {
		setString(&config.Logging.Level, f.Logging.Level)
		setString(&config.Logging.Format, f.Logging.Format)
	}

	return p.err
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// durationParser keeps the first parse failure so applyFile can report it
type durationParser struct {
	file string
	err  error
}

func (p *durationParser) set(dst *time.Duration, key, v string) {
	if v == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s in %s: %w", key, p.file, err)
		return
	}
	*dst = d
}

// FUNCTIONAL DISCOVERY: Configuration precedence: environment > file > defaults
// A file sets the baseline for a deployment and the environment can still
// override single values such as the auth secret
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := DefaultConfig()

	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}
	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
