package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/shocked/internal/errors"
	"github.com/vango-dev/shocked/pkg/channel"
	"github.com/vango-dev/shocked/pkg/protocol"
	"github.com/vango-dev/shocked/pkg/server"
)

const (
	// ConfigFileName is the conventional name of the configuration file.
	ConfigFileName = "shocked.yaml"

	// DefaultAddress is the default listen address.
	DefaultAddress = ":8080"

	// DefaultCodec is the default wire codec.
	DefaultCodec = "json"

	// DefaultMetricsPath is the default Prometheus endpoint.
	DefaultMetricsPath = "/metrics"
)

// Config represents the complete shocked.yaml configuration.
type Config struct {
	// Server contains listener and transport settings.
	Server ServerConfig `yaml:"server"`

	// Service contains the tracker service settings.
	Service ServiceConfig `yaml:"service"`

	// Session contains per-connection limits.
	Session SessionConfig `yaml:"session"`

	// Channel contains channel driver settings.
	Channel ChannelConfig `yaml:"channel"`

	// Log contains logging settings.
	Log LogConfig `yaml:"log"`

	// Demos lists the demo trackers to register ("counter", "todo").
	Demos []string `yaml:"demos"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ServerConfig contains HTTP and WebSocket settings.
type ServerConfig struct {
	// Address is the address to listen on.
	Address string `yaml:"address"`

	// Codec is the wire codec name ("json" or "cbor").
	Codec string `yaml:"codec"`

	// MetricsPath serves Prometheus metrics. "-" disables the endpoint.
	MetricsPath string `yaml:"metrics_path"`

	// MaxMessageSize is the largest accepted inbound frame in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ServiceConfig contains tracker service settings.
type ServiceConfig struct {
	// Name identifies the service in logs.
	Name string `yaml:"name"`

	// URL is the chi path pattern the service answers on. Empty matches
	// every path.
	URL string `yaml:"url"`

	// Host restricts the service to one Host header.
	Host string `yaml:"host"`
}

// SessionConfig contains per-connection limits.
type SessionConfig struct {
	SendQueueSize int           `yaml:"send_queue_size"`
	InboxSize     int           `yaml:"inbox_size"`
	MaxTrackers   int           `yaml:"max_trackers"`
	CreateTimeout time.Duration `yaml:"create_timeout"`
}

// ChannelConfig contains channel driver settings.
type ChannelConfig struct {
	// QueueSize bounds each subscriber's undelivered events.
	QueueSize int `yaml:"queue_size"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// New creates a new Config with default values.
func New() *Config {
	sess := server.DefaultSessionConfig()
	srv := server.DefaultServerConfig()
	return &Config{
		Server: ServerConfig{
			Address:         DefaultAddress,
			Codec:           DefaultCodec,
			MetricsPath:     DefaultMetricsPath,
			MaxMessageSize:  srv.MaxMessageSize,
			WriteTimeout:    srv.WriteTimeout,
			ShutdownTimeout: srv.ShutdownTimeout,
		},
		Service: ServiceConfig{
			Name: "shocked",
		},
		Session: SessionConfig{
			SendQueueSize: sess.SendQueueSize,
			InboxSize:     sess.InboxSize,
			MaxTrackers:   sess.MaxTrackers,
			CreateTimeout: sess.CreateTimeout,
		},
		Channel: ChannelConfig{
			QueueSize: channel.DefaultQueueSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Demos: []string{"counter", "todo"},
	}
}

// Load reads configuration from the specified file path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeConfigNotFound).
				WithDetail("No configuration file at " + path)
		}
		return nil, errors.New(errors.CodeConfigParse).Wrap(err)
	}

	cfg := New()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.New(errors.CodeConfigParse).
			WithField(filepath.Base(path)).
			Wrap(err)
	}

	cfg.configPath = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	d := New()

	// Server
	if c.Server.Address == "" {
		c.Server.Address = d.Server.Address
	}
	if c.Server.Codec == "" {
		c.Server.Codec = d.Server.Codec
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = d.Server.MetricsPath
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = d.Server.MaxMessageSize
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	// Service
	if c.Service.Name == "" {
		c.Service.Name = d.Service.Name
	}

	// Session
	if c.Session.SendQueueSize == 0 {
		c.Session.SendQueueSize = d.Session.SendQueueSize
	}
	if c.Session.InboxSize == 0 {
		c.Session.InboxSize = d.Session.InboxSize
	}
	if c.Session.CreateTimeout == 0 {
		c.Session.CreateTimeout = d.Session.CreateTimeout
	}

	// Channel
	if c.Channel.QueueSize == 0 {
		c.Channel.QueueSize = d.Channel.QueueSize
	}

	// Log
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return invalid("server.address", "must not be empty")
	}
	if _, err := protocol.CodecByName(c.Server.Codec); err != nil {
		return errors.New(errors.CodeUnknownCodec).
			WithField("server.codec").
			WithDetail(fmt.Sprintf("%q is not a known codec.", c.Server.Codec))
	}
	if c.Server.MaxMessageSize < 0 {
		return invalid("server.max_message_size", "must not be negative")
	}
	if c.Server.WriteTimeout < 0 {
		return invalid("server.write_timeout", "must not be negative")
	}
	if c.Session.SendQueueSize < 0 {
		return invalid("session.send_queue_size", "must not be negative")
	}
	if c.Session.InboxSize < 0 {
		return invalid("session.inbox_size", "must not be negative")
	}
	if c.Session.MaxTrackers < 0 {
		return invalid("session.max_trackers", "must not be negative")
	}
	if c.Channel.QueueSize < 0 {
		return invalid("channel.queue_size", "must not be negative")
	}
	if _, ok := parseLevel(c.Log.Level); !ok {
		return invalid("log.level", "must be one of debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format", "must be text or json")
	}
	return nil
}

func invalid(field, detail string) error {
	return errors.New(errors.CodeConfigInvalid).
		WithField(field).
		WithDetail("The value " + detail + ".")
}

// Codec returns the configured wire codec.
func (c *Config) Codec() (protocol.Codec, error) {
	codec, err := protocol.CodecByName(c.Server.Codec)
	if err != nil {
		return nil, errors.New(errors.CodeUnknownCodec).WithField("server.codec").Wrap(err)
	}
	return codec, nil
}

// ServerOptions returns the server.ServerConfig described by c.
func (c *Config) ServerOptions() *server.ServerConfig {
	out := server.DefaultServerConfig()
	out.Address = c.Server.Address
	out.MetricsPath = c.Server.MetricsPath
	if out.MetricsPath == "-" {
		out.MetricsPath = ""
	}
	if c.Server.MaxMessageSize > 0 {
		out.MaxMessageSize = c.Server.MaxMessageSize
	}
	if c.Server.WriteTimeout > 0 {
		out.WriteTimeout = c.Server.WriteTimeout
	}
	if c.Server.ShutdownTimeout > 0 {
		out.ShutdownTimeout = c.Server.ShutdownTimeout
	}
	return out
}

// SessionOptions returns the server.SessionConfig described by c.
func (c *Config) SessionOptions() *server.SessionConfig {
	return &server.SessionConfig{
		SendQueueSize: c.Session.SendQueueSize,
		InboxSize:     c.Session.InboxSize,
		MaxTrackers:   c.Session.MaxTrackers,
		CreateTimeout: c.Session.CreateTimeout,
	}
}

// ChannelOptions returns the channel.Config described by c.
func (c *Config) ChannelOptions() channel.Config {
	return channel.Config{QueueSize: c.Channel.QueueSize}
}

// Logger builds the slog.Logger described by the log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// Exists checks if a config file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
