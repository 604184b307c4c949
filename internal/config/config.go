// Package config provides configuration loading for the frame relay.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `yaml:"listen_addr"`
	// Data directory for the SQLite image log (default "/var/lib/neuraleye")
	DataDir string `yaml:"data_dir"`

	// TLS settings
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	MQTT      MQTTConfig      `yaml:"mqtt"`
	Stream    StreamConfig    `yaml:"stream"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	ImageLog  ImageLogConfig  `yaml:"imagelog"`
	OCR       OCRConfig       `yaml:"ocr"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// MQTTConfig configures the chunk transport.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	DeviceID       string        `yaml:"device_id"`
	QoS            int           `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	AutoReconnect  bool          `yaml:"auto_reconnect"`
}

// StreamConfig configures frame reassembly.
type StreamConfig struct {
	AppendFinalChunk  bool          `yaml:"append_final_chunk"`
	StaleFrameTimeout time.Duration `yaml:"stale_frame_timeout"`
	SweepSchedule     string        `yaml:"sweep_schedule"`
}

// BroadcastConfig configures fan-out to viewers.
type BroadcastConfig struct {
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// WebSocketConfig configures the viewer endpoint.
type WebSocketConfig struct {
	Path           string        `yaml:"path"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins,omitempty"`
}

// ImageLogConfig configures the saved-image store.
type ImageLogConfig struct {
	// Driver is sqlite, postgres or mysql.
	Driver string `yaml:"driver"`
	// DSN defaults to <data_dir>/images.db for sqlite.
	DSN           string        `yaml:"dsn,omitempty"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// OCRConfig configures the text extraction service.
type OCRConfig struct {
	Endpoint string        `yaml:"endpoint,omitempty"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AuthConfig configures bearer-token access to the API and viewer socket.
type AuthConfig struct {
	// TokenHash is a bcrypt hash; empty disables auth.
	TokenHash string `yaml:"token_hash,omitempty"`
}

// CORSConfig configures cross-origin access to the HTTP API.
type CORSConfig struct {
	// AllowedOrigins lists permitted origins; "*" allows any, empty disables CORS.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/neuraleye",
		LogLevel:   "info",
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "neuraleye-relay",
			TopicPrefix:    "devicestream/jpeg",
			DeviceID:       "+",
			QoS:            1,
			ConnectTimeout: 10 * time.Second,
		},
		Stream: StreamConfig{
			SweepSchedule: "@every 5s",
		},
		Broadcast: BroadcastConfig{
			WriteTimeout:   5 * time.Second,
			MaxConcurrency: 32,
		},
		WebSocket: WebSocketConfig{
			Path:         "/ws",
			PingInterval: 30 * time.Second,
			ReadTimeout:  90 * time.Second,
		},
		ImageLog: ImageLogConfig{
			Driver:        "sqlite",
			PruneSchedule: "@hourly",
		},
		OCR: OCRConfig{
			Timeout: 30 * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (Config, error) {
	return Load("")
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	var errs []error
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("NEURALEYE_LISTEN_ADDR", &cfg.ListenAddr)
	str("NEURALEYE_DATA_DIR", &cfg.DataDir)
	str("NEURALEYE_TLS_CERT", &cfg.TLSCert)
	str("NEURALEYE_TLS_KEY", &cfg.TLSKey)
	str("NEURALEYE_LOG_LEVEL", &cfg.LogLevel)

	str("NEURALEYE_MQTT_BROKER", &cfg.MQTT.Broker)
	str("NEURALEYE_MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	str("NEURALEYE_MQTT_USERNAME", &cfg.MQTT.Username)
	str("NEURALEYE_MQTT_PASSWORD", &cfg.MQTT.Password)
	str("NEURALEYE_MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)
	str("NEURALEYE_MQTT_DEVICE_ID", &cfg.MQTT.DeviceID)
	integer("NEURALEYE_MQTT_QOS", &cfg.MQTT.QoS)
	duration("NEURALEYE_MQTT_CONNECT_TIMEOUT", &cfg.MQTT.ConnectTimeout)
	boolean("NEURALEYE_MQTT_AUTO_RECONNECT", &cfg.MQTT.AutoReconnect)

	boolean("NEURALEYE_STREAM_APPEND_FINAL_CHUNK", &cfg.Stream.AppendFinalChunk)
	duration("NEURALEYE_STREAM_STALE_FRAME_TIMEOUT", &cfg.Stream.StaleFrameTimeout)

	duration("NEURALEYE_BROADCAST_WRITE_TIMEOUT", &cfg.Broadcast.WriteTimeout)
	integer("NEURALEYE_BROADCAST_MAX_CONCURRENCY", &cfg.Broadcast.MaxConcurrency)

	str("NEURALEYE_WS_PATH", &cfg.WebSocket.Path)
	if v := os.Getenv("NEURALEYE_WS_ALLOWED_ORIGINS"); v != "" {
		cfg.WebSocket.AllowedOrigins = splitList(v)
	}

	str("NEURALEYE_IMAGELOG_DRIVER", &cfg.ImageLog.Driver)
	str("NEURALEYE_IMAGELOG_DSN", &cfg.ImageLog.DSN)
	duration("NEURALEYE_IMAGELOG_RETENTION", &cfg.ImageLog.Retention)

	str("NEURALEYE_OCR_ENDPOINT", &cfg.OCR.Endpoint)
	duration("NEURALEYE_OCR_TIMEOUT", &cfg.OCR.Timeout)

	str("NEURALEYE_AUTH_TOKEN_HASH", &cfg.Auth.TokenHash)
	if v := os.Getenv("NEURALEYE_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = splitList(v)
	}
	str("NEURALEYE_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	return errors.Join(errs...)
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

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if strings.Trim(c.MQTT.TopicPrefix, "/") == "" {
		errs = append(errs, errors.New("mqtt.topic_prefix is required"))
	}
	if strings.ContainsAny(c.MQTT.DeviceID, "/#") {
		errs = append(errs, fmt.Errorf("mqtt.device_id %q must be a single topic level", c.MQTT.DeviceID))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Stream.StaleFrameTimeout < 0 {
		errs = append(errs, errors.New("stream.stale_frame_timeout must not be negative"))
	}
	if c.Broadcast.MaxConcurrency < 0 {
		errs = append(errs, errors.New("broadcast.max_concurrency must not be negative"))
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, fmt.Errorf("websocket.path %q must start with /", c.WebSocket.Path))
	}
	switch c.ImageLog.Driver {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		errs = append(errs, fmt.Errorf("imagelog.driver %q is not supported", c.ImageLog.Driver))
	}
	if c.ImageLog.Driver != "sqlite" && c.ImageLog.DSN == "" {
		errs = append(errs, fmt.Errorf("imagelog.dsn is required for driver %s", c.ImageLog.Driver))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	return errors.Join(errs...)
}

// ImageLogDSN returns the configured DSN or the default SQLite file.
func (c Config) ImageLogDSN() string {
	if c.ImageLog.DSN != "" {
		return c.ImageLog.DSN
	}
	return filepath.Join(c.DataDir, "images.db")
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// HasOCR returns true if a text extraction service is configured.
func (c Config) HasOCR() bool {
	return c.OCR.Endpoint != ""
}
