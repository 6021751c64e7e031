package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionConfig holds configuration for individual sessions.
type SessionConfig struct {
	// Queues

	// SendQueueSize is the number of encoded messages buffered for the
	// socket. A session whose queue overflows is disconnected.
	// Default: 256.
	SendQueueSize int

	// InboxSize is the number of pending messages buffered per tracker
	// group. Messages beyond it are rejected: API calls are answered with
	// a failed response, and an action that does not fit closes the
	// tracker with TRACKER_CLOSE.
	// Default: 64.
	InboxSize int

	// Limits

	// MaxTrackers is the maximum number of trackers a session may hold.
	// 0 means no limit.
	// Default: 0.
	MaxTrackers int

	// Timeouts

	// CreateTimeout bounds a tracker's creation hook.
	// Default: 30 seconds.
	CreateTimeout time.Duration
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		SendQueueSize: 256,
		InboxSize:     64,
		MaxTrackers:   0,
		CreateTimeout: 30 * time.Second,
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// withDefaults fills zero fields from DefaultSessionConfig.
func (c *SessionConfig) withDefaults() *SessionConfig {
	d := DefaultSessionConfig()
	if c == nil {
		return d
	}
	out := c.Clone()
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = d.SendQueueSize
	}
	if out.InboxSize <= 0 {
		out.InboxSize = d.InboxSize
	}
	if out.CreateTimeout <= 0 {
		out.CreateTimeout = d.CreateTimeout
	}
	return out
}

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// WebSocket

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 64KB.
	MaxMessageSize int64

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// Middlewares wrap every route, including health and metrics. They run
	// before the upgrade, so they may attach values to the request context
	// for OnValidate and OnStart hooks.
	Middlewares []func(http.Handler) http.Handler

	// Observability

	// MetricsPath is the path serving Prometheus metrics. Empty disables it.
	// Default: "/metrics".
	MetricsPath string

	// Gatherer is the source of metrics served on MetricsPath.
	// Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Server lifecycle

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:         ":8080",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		CheckOrigin:     SameOriginCheck,
		MetricsPath:     "/metrics",
		Gatherer:        prometheus.DefaultGatherer,
		ShutdownTimeout: 30 * time.Second,
	}
}

// SameOriginCheck validates that the WebSocket request origin matches the host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header (e.g., native clients or curl)
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if r.Host == "" {
		return false
	}
	return originURL.Host == r.Host
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Middlewares = append([]func(http.Handler) http.Handler(nil), c.Middlewares...)
	return &clone
}

// WithAddress sets the server address and returns the config for chaining.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	c.Address = addr
	return c
}

// WithMetricsPath sets the metrics path and returns the config for chaining.
func (c *ServerConfig) WithMetricsPath(path string) *ServerConfig {
	c.MetricsPath = path
	return c
}

// WithGatherer sets the metrics gatherer and returns the config for chaining.
func (c *ServerConfig) WithGatherer(g prometheus.Gatherer) *ServerConfig {
	c.Gatherer = g
	return c
}

// WithMiddleware appends HTTP middlewares and returns the config for
// chaining.
func (c *ServerConfig) WithMiddleware(mw ...func(http.Handler) http.Handler) *ServerConfig {
	c.Middlewares = append(c.Middlewares, mw...)
	return c
}

// WithCheckOrigin sets the origin check and returns the config for chaining.
func (c *ServerConfig) WithCheckOrigin(fn func(r *http.Request) bool) *ServerConfig {
	c.CheckOrigin = fn
	return c
}
