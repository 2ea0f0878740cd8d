package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/nkkko/orderfeed/internal/api"
	"github.com/nkkko/orderfeed/internal/logging"
	"github.com/nkkko/orderfeed/internal/realtime"
	"github.com/nkkko/orderfeed/internal/relay"
	"github.com/nkkko/orderfeed/internal/storage"
)

// Config represents the complete application configuration
type Config struct {
	Realtime RealtimeConfig `yaml:"realtime"`
	API      APIConfig      `yaml:"api"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Relay    RelayConfig    `yaml:"relay"`
}

// RealtimeConfig contains the event server connection settings
type RealtimeConfig struct {
	Origin               string `yaml:"origin"`
	Path                 string `yaml:"path"`
	Role                 string `yaml:"role"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	ReconnectDelayMs     int    `yaml:"reconnect_delay_ms"`
	HandshakeTimeoutMs   int    `yaml:"handshake_timeout_ms"`
	DedupeWindowMs       int    `yaml:"dedupe_window_ms"`
	LedgerPruneThreshold int    `yaml:"ledger_prune_threshold"`
	LedgerCapacity       int    `yaml:"ledger_capacity"`
	PruneAgeFactor       int    `yaml:"prune_age_factor"`
	SellerRoomPrefix     string `yaml:"seller_room_prefix"`
}

// APIConfig contains the seller REST API settings
type APIConfig struct {
	// Empty means the realtime origin
	BaseURL   string `yaml:"base_url"`
	BasePath  string `yaml:"base_path"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// ServerConfig contains the local control server settings
type ServerConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Addr              string `yaml:"addr"`
	ReadTimeout       int    `yaml:"read_timeout"`
	WriteTimeout      int    `yaml:"write_timeout"`
	IdleTimeout       int    `yaml:"idle_timeout"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	StreamBufferSize  int    `yaml:"stream_buffer_size"`
}

// StorageConfig contains session storage settings
type StorageConfig struct {
	Type    string `yaml:"type"`
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// RelayConfig contains Redis relay settings
type RelayConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	ChannelPrefix    string `yaml:"channel_prefix"`
	BufferSize       int    `yaml:"buffer_size"`
	PublishTimeoutMs int    `yaml:"publish_timeout_ms"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			Origin:               "http://localhost:5000",
			Path:                 "/socket.io/",
			Role:                 "seller",
			MaxReconnectAttempts: 5,
			ReconnectDelayMs:     3000,
			HandshakeTimeoutMs:   10000,
			DedupeWindowMs:       1500,
			LedgerPruneThreshold: 100,
			LedgerCapacity:       1024,
			PruneAgeFactor:       5,
			SellerRoomPrefix:     "seller_",
		},
		API: APIConfig{
			BasePath:  "/api",
			TimeoutMs: 30000,
		},
		Server: ServerConfig{
			Enabled:           true,
			Addr:              "127.0.0.1:8090",
			ReadTimeout:       5,
			WriteTimeout:      10,
			IdleTimeout:       120,
			HeartbeatInterval: 15,
			StreamBufferSize:  64,
		},
		Storage: StorageConfig{
			Type:    string(storage.TypeBadger),
			DataDir: "./data",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "console",
			IncludeCaller: false,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Relay: RelayConfig{
			Enabled:          false,
			Address:          "localhost:6379",
			ChannelPrefix:    "orderfeed",
			BufferSize:       256,
			PublishTimeoutMs: 2000,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags.
// Flags win over environment variables, which win over the file.
func LoadConfig(configFile, dataDir, origin, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}
	if origin != "" {
		config.Realtime.Origin = origin
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	return config, nil
}

func applyEnvOverrides(config *Config) {
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.Warn().Str("env", name).Str("value", v).Msg("Ignoring non-numeric environment override")
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("ORDERFEED_ORIGIN", &config.Realtime.Origin)
	setInt("ORDERFEED_MAX_RECONNECT_ATTEMPTS", &config.Realtime.MaxReconnectAttempts)
	setInt("ORDERFEED_RECONNECT_DELAY_MS", &config.Realtime.ReconnectDelayMs)
	setInt("ORDERFEED_DEDUPE_WINDOW_MS", &config.Realtime.DedupeWindowMs)

	setString("ORDERFEED_API_BASE_URL", &config.API.BaseURL)

	setString("ORDERFEED_SERVER_ADDR", &config.Server.Addr)
	setBool("ORDERFEED_SERVER_ENABLED", &config.Server.Enabled)

	setString("ORDERFEED_STORAGE_TYPE", &config.Storage.Type)
	setString("ORDERFEED_STORAGE_DATA_DIR", &config.Storage.DataDir)

	setString("ORDERFEED_LOG_LEVEL", &config.Logging.Level)
	setString("ORDERFEED_LOG_FORMAT", &config.Logging.Format)

	setBool("ORDERFEED_RELAY_ENABLED", &config.Relay.Enabled)
	setString("ORDERFEED_RELAY_ADDRESS", &config.Relay.Address)
	setString("ORDERFEED_RELAY_PASSWORD", &config.Relay.Password)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ToRealtimeConfig converts the realtime section
func (c *Config) ToRealtimeConfig() realtime.Config {
	r := c.Realtime
	return realtime.Config{
		Origin:               r.Origin,
		Path:                 r.Path,
		Role:                 r.Role,
		MaxReconnectAttempts: r.MaxReconnectAttempts,
		ReconnectDelay:       millis(r.ReconnectDelayMs),
		HandshakeTimeout:     millis(r.HandshakeTimeoutMs),
		DedupeWindow:         millis(r.DedupeWindowMs),
		LedgerPruneThreshold: r.LedgerPruneThreshold,
		LedgerCapacity:       r.LedgerCapacity,
		PruneAgeFactor:       r.PruneAgeFactor,
		SellerRoomPrefix:     r.SellerRoomPrefix,
	}
}

// APIBaseURL returns the REST base URL, derived from the realtime origin
// when none is configured
func (c *Config) APIBaseURL() string {
	base := c.API.BaseURL
	if base == "" {
		base = c.Realtime.Origin
	}
	return strings.TrimRight(base, "/") + c.API.BasePath
}

// APITimeout returns the REST request timeout
func (c *Config) APITimeout() time.Duration {
	return millis(c.API.TimeoutMs)
}

// ToServerConfig converts the server section
func (c *Config) ToServerConfig() api.Config {
	s := c.Server
	cfg := api.Config{
		Addr:              s.Addr,
		ReadTimeout:       time.Duration(s.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(s.IdleTimeout) * time.Second,
		HeartbeatInterval: time.Duration(s.HeartbeatInterval) * time.Second,
		StreamBuffer:      s.StreamBufferSize,
	}
	if c.Metrics.Enabled {
		cfg.MetricsPath = c.Metrics.Endpoint
	}
	return cfg
}

// ToStorageConfig converts the storage section
func (c *Config) ToStorageConfig() storage.Config {
	return storage.Config{
		Type:    storage.Type(c.Storage.Type),
		DataDir: c.Storage.DataDir,
	}
}

// ToLoggingConfig converts the logging section
func (c *Config) ToLoggingConfig() logging.Config {
	l := logging.DefaultConfig()
	l.Level = c.Logging.Level
	l.Format = logging.Format(c.Logging.Format)
	l.IncludeCaller = c.Logging.IncludeCaller
	l.IncludeStacktrace = c.Logging.IncludeTrace
	if len(c.Logging.GlobalFields) > 0 {
		l.GlobalFields = c.Logging.GlobalFields
	}
	return l
}

// ToRelayConfig converts the relay section
func (c *Config) ToRelayConfig() relay.Config {
	r := c.Relay
	return relay.Config{
		Enabled:        r.Enabled,
		Address:        r.Address,
		Password:       r.Password,
		DB:             r.DB,
		ChannelPrefix:  r.ChannelPrefix,
		BufferSize:     r.BufferSize,
		PublishTimeout: millis(r.PublishTimeoutMs),
	}
}
