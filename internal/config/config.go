package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "PUSHRELAY_"

// Lower bounds applied by Normalize.
const (
	MinHTTPWaitTimeout      = 500 * time.Millisecond
	MinSocketAuthTimeout    = 100 * time.Millisecond
	MinSocketRetryTimeout   = 100 * time.Millisecond
	MinSocketWaitTimeout    = 500 * time.Millisecond
	MinWebhookRetryTimeout  = 100 * time.Millisecond
	MinPushRetryTimeout     = 5 * time.Second
	DefaultFCMEndpoint      = "https://fcm.googleapis.com/fcm/send"
	DefaultWebPushSubscribe = "mailto:admin@example.com"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	// Token is the shared secret clients authenticate with. It also signs
	// the JWTs handed out by AUTH.
	Token string `env:"TOKEN"`

	HTTP      HTTPConfig      `envPrefix:"HTTP_"`
	WebSocket WebSocketConfig `envPrefix:"WEBSOCKET_"`
	Webhook   WebhookConfig   `envPrefix:"WEBHOOK_"`
	WebPush   WebPushConfig   `envPrefix:"WEBPUSH_"`
	FCM       FCMConfig       `envPrefix:"FCM_"`
	Storage   StorageConfig   `envPrefix:"STORAGE_"`
	Log       LogConfig       `envPrefix:"LOG_"`
	Telemetry TelemetryConfig `envPrefix:"TELEMETRY_"`
}

// FUNCTIONAL DISCOVERY: One listener serves the HTTP API and websocket upgrades
type HTTPConfig struct {
	Host         string        `env:"HOST"`
	Port         int           `env:"PORT"`
	VerifyToken  bool          `env:"VERIFY_TOKEN"`
	WaitTimeout  time.Duration `env:"WAIT_TIMEOUT"`
	CORS         bool          `env:"CORS"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT"`
	// RateLimit caps messages per sender per minute. Zero disables it.
	RateLimit int `env:"RATE_LIMIT"`
}

type WebSocketConfig struct {
	VerifyToken  bool          `env:"VERIFY_TOKEN"`
	AuthTimeout  time.Duration `env:"AUTH_TIMEOUT"`
	RetryTimeout time.Duration `env:"RETRY_TIMEOUT"`
	WaitTimeout  time.Duration `env:"WAIT_TIMEOUT"`
	PingInterval time.Duration `env:"PING_INTERVAL"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT"`
	BufferSize   int           `env:"BUFFER_SIZE"`
}

// WebhookClient is a statically configured webhook recipient.
type WebhookClient struct {
	Name   string `json:"name"`
	Group  string `json:"group"`
	URL    string `json:"url"`
	Method string `json:"method"`
}

type WebhookConfig struct {
	RetryTimeout time.Duration `env:"RETRY_TIMEOUT"`
	Proxy        string        `env:"PROXY"`
	// Clients are only read from the config file.
	Clients []WebhookClient
}

type WebPushConfig struct {
	Enabled      bool          `env:"ENABLED"`
	Subscriber   string        `env:"SUBSCRIBER"`
	Proxy        string        `env:"PROXY"`
	TTL          int           `env:"TTL"`
	RetryTimeout time.Duration `env:"RETRY_TIMEOUT"`
}

type FCMConfig struct {
	ProjectID     string        `env:"PROJECT_ID"`
	ApplicationID string        `env:"APPLICATION_ID"`
	APIKey        string        `env:"API_KEY"`
	ServerKey     string        `env:"SERVER_KEY"`
	Endpoint      string        `env:"ENDPOINT"`
	Proxy         string        `env:"PROXY"`
	RetryTimeout  time.Duration `env:"RETRY_TIMEOUT"`
}

// Enabled reports whether every FCM credential is configured.
func (c FCMConfig) Enabled() bool {
	return c.ProjectID != "" && c.ApplicationID != "" && c.APIKey != "" && c.ServerKey != ""
}

type StorageConfig struct {
	Driver          string        `env:"DRIVER"`
	Path            string        `env:"PATH"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisDB         int           `env:"REDIS_DB"`
	ClientSaveDelay time.Duration `env:"CLIENT_SAVE_DELAY"`
	RecordSaveDelay time.Duration `env:"RECORD_SAVE_DELAY"`
}

type LogConfig struct {
	Debug      bool   `env:"DEBUG"`
	File       string `env:"FILE"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB"`
	MaxBackups int    `env:"MAX_BACKUPS"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS"`
}

type TelemetryConfig struct {
	Enabled     bool    `env:"ENABLED"`
	Endpoint    string  `env:"ENDPOINT"`
	Insecure    bool    `env:"INSECURE"`
	ServiceName string  `env:"SERVICE_NAME"`
	SampleRatio float64 `env:"SAMPLE_RATIO"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults; every timeout already
// satisfies the Normalize lower bounds
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         9093,
			WaitTimeout:  3 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			AuthTimeout:  3 * time.Second,
			RetryTimeout: 3 * time.Second,
			WaitTimeout:  3 * time.Second,
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Webhook: WebhookConfig{
			RetryTimeout: 3 * time.Second,
		},
		WebPush: WebPushConfig{
			Subscriber:   DefaultWebPushSubscribe,
			TTL:          30,
			RetryTimeout: 10 * time.Second,
		},
		FCM: FCMConfig{
			Endpoint:     DefaultFCMEndpoint,
			RetryTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:          "sqlite",
			Path:            "./data/pushrelay.db",
			ClientSaveDelay: 5 * time.Second,
			RecordSaveDelay: 5 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  500,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "pushrelay",
			SampleRatio: 1,
		},
	}
}

// Normalize raises timeouts to their minimums. Negative push and webhook
// retry timeouts are kept: they disable retries.
func (c *Config) Normalize() {
	c.HTTP.WaitTimeout = atLeast(c.HTTP.WaitTimeout, MinHTTPWaitTimeout)
	c.WebSocket.AuthTimeout = atLeast(c.WebSocket.AuthTimeout, MinSocketAuthTimeout)
	c.WebSocket.RetryTimeout = atLeast(c.WebSocket.RetryTimeout, MinSocketRetryTimeout)
	c.WebSocket.WaitTimeout = atLeast(c.WebSocket.WaitTimeout, MinSocketWaitTimeout)

	if c.Webhook.RetryTimeout >= 0 {
		c.Webhook.RetryTimeout = atLeast(c.Webhook.RetryTimeout, MinWebhookRetryTimeout)
	}
	if c.WebPush.RetryTimeout >= 0 {
		c.WebPush.RetryTimeout = atLeast(c.WebPush.RetryTimeout, MinPushRetryTimeout)
	}
	if c.FCM.RetryTimeout >= 0 {
		c.FCM.RetryTimeout = atLeast(c.FCM.RetryTimeout, MinPushRetryTimeout)
	}
	if c.FCM.Endpoint == "" {
		c.FCM.Endpoint = DefaultFCMEndpoint
	}
	for i := range c.Webhook.Clients {
		method := strings.ToUpper(c.Webhook.Clients[i].Method)
		if method == "" {
			method = "GET"
		}
		c.Webhook.Clients[i].Method = method
	}
}

func atLeast(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP read and write timeouts must be positive")
	}
	if c.HTTP.WaitTimeout >= c.HTTP.WriteTimeout {
		return fmt.Errorf("HTTP wait timeout must be shorter than the write timeout")
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("HTTP rate limit cannot be negative")
	}
	if (c.HTTP.VerifyToken || c.WebSocket.VerifyToken) && c.Token == "" {
		return fmt.Errorf("token is required when token verification is enabled")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	names := make(map[string]bool)
	for _, client := range c.Webhook.Clients {
		if client.Name == "" || client.URL == "" {
			return fmt.Errorf("webhook clients need a name and a url")
		}
		if names[client.Name] {
			return fmt.Errorf("duplicate webhook client %q", client.Name)
		}
		names[client.Name] = true
		if client.Method != "GET" && client.Method != "POST" {
			return fmt.Errorf("webhook client %q: method must be GET or POST", client.Name)
		}
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path cannot be empty")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.ClientSaveDelay <= 0 || c.Storage.RecordSaveDelay <= 0 {
		return fmt.Errorf("storage save delays must be positive")
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample ratio must be between 0 and 1")
	}
	return nil
}

// LoadFromEnv overlays PUSHRELAY_* environment variables on the defaults.
// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Supports containerized deployments and configuration management systems
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	Token     string               `json:"token"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Webhook   *WebhookConfigFile   `json:"webhook"`
	WebPush   *WebPushConfigFile   `json:"webpush"`
	FCM       *FCMConfigFile       `json:"fcm"`
	Storage   *StorageConfigFile   `json:"storage"`
	Log       *LogConfigFile       `json:"log"`
	Telemetry *TelemetryConfigFile `json:"telemetry"`
}

type HTTPConfigFile struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	VerifyToken  *bool  `json:"verify_token"`
	WaitTimeout  string `json:"wait_timeout"`
	CORS         *bool  `json:"cors"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	RateLimit    *int   `json:"rate_limit"`
}

type WebSocketConfigFile struct {
	VerifyToken  *bool  `json:"verify_token"`
	AuthTimeout  string `json:"auth_timeout"`
	RetryTimeout string `json:"retry_timeout"`
	WaitTimeout  string `json:"wait_timeout"`
	PingInterval string `json:"ping_interval"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	BufferSize   int    `json:"buffer_size"`
}

type WebhookConfigFile struct {
	RetryTimeout string          `json:"retry_timeout"`
	Proxy        string          `json:"proxy"`
	Clients      []WebhookClient `json:"clients"`
}

type WebPushConfigFile struct {
	Enabled      *bool  `json:"enabled"`
	Subscriber   string `json:"subscriber"`
	Proxy        string `json:"proxy"`
	TTL          int    `json:"ttl"`
	RetryTimeout string `json:"retry_timeout"`
}

type FCMConfigFile struct {
	ProjectID     string `json:"project_id"`
	ApplicationID string `json:"application_id"`
	APIKey        string `json:"api_key"`
	ServerKey     string `json:"server_key"`
	Endpoint      string `json:"endpoint"`
	Proxy         string `json:"proxy"`
	RetryTimeout  string `json:"retry_timeout"`
}

type StorageConfigFile struct {
	Driver          string `json:"driver"`
	Path            string `json:"path"`
	RedisAddr       string `json:"redis_addr"`
	RedisPassword   string `json:"redis_password"`
	RedisDB         int    `json:"redis_db"`
	ClientSaveDelay string `json:"client_save_delay"`
	RecordSaveDelay string `json:"record_save_delay"`
}

type LogConfigFile struct {
	Debug      *bool  `json:"debug"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

type TelemetryConfigFile struct {
	Enabled     *bool    `json:"enabled"`
	Endpoint    string   `json:"endpoint"`
	Insecure    *bool    `json:"insecure"`
	ServiceName string   `json:"service_name"`
	SampleRatio *float64 `json:"sample_ratio"`
}

// LoadFromFile reads a JSON config file on top of the defaults.
// FUNCTIONAL DISCOVERY: File-based configuration supports complex deployment scenarios
// JSON format chosen for readability and tooling support
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	config.Normalize()

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

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}
	if err := file.apply(config); err != nil {
		return fmt.Errorf("invalid value in %s: %w", filepath, err)
	}
	return nil
}

// apply copies every field set in the file onto config.
func (f *ConfigFile) apply(config *Config) error {
	var p durationParser
	setString(&config.Token, f.Token)

	if h := f.HTTP; h != nil {
		setString(&config.HTTP.Host, h.Host)
		setInt(&config.HTTP.Port, h.Port)
		setBool(&config.HTTP.VerifyToken, h.VerifyToken)
		setBool(&config.HTTP.CORS, h.CORS)
		if h.RateLimit != nil {
			config.HTTP.RateLimit = *h.RateLimit
		}
		p.parse("http.wait_timeout", h.WaitTimeout, &config.HTTP.WaitTimeout)
		p.parse("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout)
		p.parse("http.write_timeout", h.WriteTimeout, &config.HTTP.WriteTimeout)
	}

	if w := f.WebSocket; w != nil {
		setBool(&config.WebSocket.VerifyToken, w.VerifyToken)
		setInt(&config.WebSocket.BufferSize, w.BufferSize)
		p.parse("websocket.auth_timeout", w.AuthTimeout, &config.WebSocket.AuthTimeout)
		p.parse("websocket.retry_timeout", w.RetryTimeout, &config.WebSocket.RetryTimeout)
		p.parse("websocket.wait_timeout", w.WaitTimeout, &config.WebSocket.WaitTimeout)
		p.parse("websocket.ping_interval", w.PingInterval, &config.WebSocket.PingInterval)
		p.parse("websocket.read_timeout", w.ReadTimeout, &config.WebSocket.ReadTimeout)
		p.parse("websocket.write_timeout", w.WriteTimeout, &config.WebSocket.WriteTimeout)
	}

	if w := f.Webhook; w != nil {
		setString(&config.Webhook.Proxy, w.Proxy)
		if w.Clients != nil {
			config.Webhook.Clients = w.Clients
		}
		p.parse("webhook.retry_timeout", w.RetryTimeout, &config.Webhook.RetryTimeout)
	}

	if w := f.WebPush; w != nil {
		setBool(&config.WebPush.Enabled, w.Enabled)
		setString(&config.WebPush.Subscriber, w.Subscriber)
		setString(&config.WebPush.Proxy, w.Proxy)
		setInt(&config.WebPush.TTL, w.TTL)
		p.parse("webpush.retry_timeout", w.RetryTimeout, &config.WebPush.RetryTimeout)
	}

	if fc := f.FCM; fc != nil {
		setString(&config.FCM.ProjectID, fc.ProjectID)
		setString(&config.FCM.ApplicationID, fc.ApplicationID)
		setString(&config.FCM.APIKey, fc.APIKey)
		setString(&config.FCM.ServerKey, fc.ServerKey)
		setString(&config.FCM.Endpoint, fc.Endpoint)
		setString(&config.FCM.Proxy, fc.Proxy)
		p.parse("fcm.retry_timeout", fc.RetryTimeout, &config.FCM.RetryTimeout)
	}

	if s := f.Storage; s != nil {
		setString(&config.Storage.Driver, s.Driver)
		setString(&config.Storage.Path, s.Path)
		setString(&config.Storage.RedisAddr, s.RedisAddr)
		setString(&config.Storage.RedisPassword, s.RedisPassword)
		setInt(&config.Storage.RedisDB, s.RedisDB)
		p.parse("storage.client_save_delay", s.ClientSaveDelay, &config.Storage.ClientSaveDelay)
		p.parse("storage.record_save_delay", s.RecordSaveDelay, &config.Storage.RecordSaveDelay)
	}

	if l := f.Log; l != nil {
		setBool(&config.Log.Debug, l.Debug)
		setString(&config.Log.File, l.File)
		setInt(&config.Log.MaxSizeMB, l.MaxSizeMB)
		setInt(&config.Log.MaxBackups, l.MaxBackups)
		setInt(&config.Log.MaxAgeDays, l.MaxAgeDays)
	}

	if t := f.Telemetry; t != nil {
		setBool(&config.Telemetry.Enabled, t.Enabled)
		setString(&config.Telemetry.Endpoint, t.Endpoint)
		setBool(&config.Telemetry.Insecure, t.Insecure)
		setString(&config.Telemetry.ServiceName, t.ServiceName)
		if t.SampleRatio != nil {
			config.Telemetry.SampleRatio = *t.SampleRatio
		}
	}
	return p.err
}

// durationParser keeps the first parse error.
type durationParser struct {
	err error
}

func (p *durationParser) parse(field, value string, dst *time.Duration) {
	if value == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", field, err)
		return
	}
	*dst = d
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// LoadConfigWithPrecedence layers file over environment over defaults,
// then normalizes and validates the result.
// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
// Enables flexible deployment patterns while maintaining sane defaults
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}
	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
