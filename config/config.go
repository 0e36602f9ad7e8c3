// Package config provides YAML-based configuration loading for polyrpc.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"polyrpc/codec"
	"polyrpc/registry"
	"polyrpc/server"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig selects the execution model and its limits.
type ServerConfig struct {
	// Model: blocking, threaded, reactor, eventloop or datagram
	Model string `mapstructure:"model" yaml:"model"`
	Addr  string `mapstructure:"addr" yaml:"addr"`
	// Codec: json, cbor or proto
	Codec           string        `mapstructure:"codec" yaml:"codec"`
	MaxFrameSize    int           `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	MaxConns        int           `mapstructure:"max_conns" yaml:"max_conns"`
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	MaxDatagramSize int           `mapstructure:"max_datagram_size" yaml:"max_datagram_size"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`

	// HandlerTimeout fails calls that run longer; 0 disables it.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`
	// RateLimit is in calls per second; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// DiscoveryConfig controls registration with etcd.
type DiscoveryConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoints   []string `mapstructure:"endpoints" yaml:"endpoints"`
	Prefix      string   `mapstructure:"prefix" yaml:"prefix"`
	ServiceName string   `mapstructure:"service_name" yaml:"service_name"`
	// Host is the address peers should dial; Port 0 means the bound port.
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Heartbeat bool   `mapstructure:"heartbeat" yaml:"heartbeat"`
	TTL       int64  `mapstructure:"ttl" yaml:"ttl"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	sc := server.DefaultConfig(":9000")
	return &Config{
		Server: ServerConfig{
			Model:           string(server.KindThreaded),
			Addr:            sc.Addr,
			Codec:           sc.Codec.String(),
			MaxFrameSize:    sc.MaxFrameSize,
			Workers:         0, // runtime.NumCPU at startup
			QueueSize:       sc.QueueSize,
			MaxDatagramSize: sc.MaxDatagramSize,
			PollTimeout:     sc.PollTimeout,
			RateBurst:       1,
		},
		Discovery: DiscoveryConfig{
			Endpoints:   []string{"127.0.0.1:2379"},
			Prefix:      registry.DefaultPrefix,
			ServiceName: "polyrpc",
			Host:        "127.0.0.1",
			Heartbeat:   true,
			TTL:         registry.DefaultTTL,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stderr"},
			Development: false,
			Rotation: RotationConfig{
				Filename:   "logs/polyrpc.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches common
// locations and supports environment overrides. Environment variables use the prefix
// POLYRPC and `.`/`-` are replaced with `_`.
// Example: POLYRPC_SERVER_MODEL=reactor
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("POLYRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("server.model", cfg.Server.Model)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.codec", cfg.Server.Codec)
	v.SetDefault("server.max_frame_size", cfg.Server.MaxFrameSize)
	v.SetDefault("server.max_conns", cfg.Server.MaxConns)
	v.SetDefault("server.workers", cfg.Server.Workers)
	v.SetDefault("server.queue_size", cfg.Server.QueueSize)
	v.SetDefault("server.max_datagram_size", cfg.Server.MaxDatagramSize)
	v.SetDefault("server.poll_timeout", cfg.Server.PollTimeout)
	v.SetDefault("server.handler_timeout", cfg.Server.HandlerTimeout)
	v.SetDefault("server.rate_limit", cfg.Server.RateLimit)
	v.SetDefault("server.rate_burst", cfg.Server.RateBurst)
	v.SetDefault("discovery.enabled", cfg.Discovery.Enabled)
	v.SetDefault("discovery.endpoints", cfg.Discovery.Endpoints)
	v.SetDefault("discovery.prefix", cfg.Discovery.Prefix)
	v.SetDefault("discovery.service_name", cfg.Discovery.ServiceName)
	v.SetDefault("discovery.host", cfg.Discovery.Host)
	v.SetDefault("discovery.port", cfg.Discovery.Port)
	v.SetDefault("discovery.heartbeat", cfg.Discovery.Heartbeat)
	v.SetDefault("discovery.ttl", cfg.Discovery.TTL)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		if envPath := os.Getenv("POLYRPC_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("polyrpc")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".polyrpc"))
		}
	}

	// a missing config file is fine, defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	kind, err := server.ParseKind(c.Server.Model)
	if err != nil {
		return fmt.Errorf("invalid server.model: %w", err)
	}
	c.Server.Model = string(kind)
	if _, err := codec.ParseType(c.Server.Codec); err != nil {
		return fmt.Errorf("invalid server.codec: %w", err)
	}
	if c.Server.MaxFrameSize < 0 {
		return fmt.Errorf("invalid server.max_frame_size: %d", c.Server.MaxFrameSize)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("invalid server.rate_limit: %v", c.Server.RateLimit)
	}

	if c.Discovery.Enabled {
		if len(c.Discovery.Endpoints) == 0 {
			return errors.New("discovery.enabled requires discovery.endpoints")
		}
		if strings.TrimSpace(c.Discovery.ServiceName) == "" {
			return errors.New("discovery.enabled requires discovery.service_name")
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Kind returns the configured execution model. Load has already validated it.
func (s ServerConfig) Kind() server.Kind {
	kind, _ := server.ParseKind(s.Model)
	return kind
}

// ServerConfig converts the section into the server package's Config.
func (s ServerConfig) ServerConfig() server.Config {
	ct, _ := codec.ParseType(s.Codec)
	return server.Config{
		Addr:            s.Addr,
		Codec:           ct,
		MaxFrameSize:    s.MaxFrameSize,
		MaxConns:        s.MaxConns,
		Workers:         s.Workers,
		QueueSize:       s.QueueSize,
		MaxDatagramSize: s.MaxDatagramSize,
		PollTimeout:     s.PollTimeout,
	}
}

// Registration is the announcement the server makes when discovery is enabled.
func (d DiscoveryConfig) Registration() registry.Registration {
	return registry.Registration{
		ServiceName: d.ServiceName,
		Host:        d.Host,
		Port:        d.Port,
		Heartbeat:   d.Heartbeat,
		TTL:         d.TTL,
	}
}

// Dump writes c as YAML, in the format Load reads.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
