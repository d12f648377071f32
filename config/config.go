// Package config holds the server configuration and its loading from a JSON
// file, COSERVER_* environment variables and command line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
)

// Defaults.
const (
	DefaultWorkers        = 4
	DefaultLogLevel       = "info"
	DefaultStackSize      = 1 << 20
	DefaultEventSize      = 512
	DefaultMutexRetryTime = 100

	DefaultServerPort             = 15678
	DefaultServerHandler          = "handler"
	DefaultServerMaxConnections   = 65535
	DefaultServerReadTimeout      = 1000
	DefaultServerWriteTimeout     = 1000
	DefaultServerKeepaliveTimeout = 60000

	DefaultUpstreamMaxConnections       = 65535
	DefaultUpstreamConnTimeout          = 1000
	DefaultUpstreamReadTimeout          = 1000
	DefaultUpstreamWriteTimeout         = 1000
	DefaultUpstreamKeepaliveTimeout     = 60000
	DefaultUpstreamFailTimeout          = 5000
	DefaultUpstreamFailMaxNum           = 10
	DefaultUpstreamConnectionMaxRequest = 10240
	DefaultUpstreamConnectionMaxTime    = 60000
	DefaultUpstreamRetryMaxNum          = 3

	EnvPrefix = "COSERVER"
)

// Protocols and balancers accepted by the configuration.
const (
	ProtocolTCP  = "tcp"
	ProtocolHTTP = "http"

	LoadBalanceWRR = "wrr"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds all server configuration.
type Config struct {
	Workers   int    `config:"workers"`
	LogLevel  string `config:"log_level"`
	StackSize int    `config:"stack_size"` // advisory coroutine stack budget, reported in stats
	EventSize int    `config:"event_size"`

	Hook      HookConfig       `config:"hook"`
	Servers   []ServerConfig   `config:"servers"`
	Upstreams []UpstreamConfig `config:"upstreams"`
	Admin     AdminConfig      `config:"admin"`
}

// HookConfig tunes the blocking-call wrappers.
type HookConfig struct {
	// MutexRetryTime is the park time of a contended mutex, in ms.
	MutexRetryTime int `config:"mutex_retry_time"`
}

// ServerConfig describes one listener. Timeouts are in milliseconds.
type ServerConfig struct {
	Name             string `config:"name"`
	ListenIP         string `config:"listen_ip"`
	ListenPort       int    `config:"listen_port"`
	Protocol         string `config:"protocol"`
	Handler          string `config:"handler"`
	ReadTimeout      int    `config:"read_timeout"`
	WriteTimeout     int    `config:"write_timeout"`
	KeepaliveTimeout int    `config:"keepalive_timeout"`
	MaxConnections   int    `config:"max_connections"`
}

func (s *ServerConfig) setDefaults() {
	*s = ServerConfig{
		ListenPort:       DefaultServerPort,
		Protocol:         ProtocolTCP,
		Handler:          DefaultServerHandler,
		ReadTimeout:      DefaultServerReadTimeout,
		WriteTimeout:     DefaultServerWriteTimeout,
		KeepaliveTimeout: DefaultServerKeepaliveTimeout,
		MaxConnections:   DefaultServerMaxConnections,
	}
}

// DefaultServer returns a server with every default applied.
func DefaultServer() ServerConfig {
	var s ServerConfig
	s.setDefaults()
	return s
}

// BackendConfig is one upstream server.
type BackendConfig struct {
	Host   string `config:"host"`
	Port   int    `config:"port"`
	Weight int    `config:"weight"`
}

// Key returns host:port.
func (b BackendConfig) Key() string {
	return b.Host + ":" + strconv.Itoa(b.Port)
}

// UpstreamConfig describes a backend group. Times are in milliseconds.
type UpstreamConfig struct {
	Name                 string          `config:"name"`
	Servers              []BackendConfig `config:"servers"`
	LoadBalance          string          `config:"load_balance"`
	ConnTimeout          int             `config:"conn_timeout"`
	ReadTimeout          int             `config:"read_timeout"`
	WriteTimeout         int             `config:"write_timeout"`
	KeepaliveTimeout     int             `config:"keepalive_timeout"`
	FailTimeout          int             `config:"fail_timeout"`
	FailMaxNum           int             `config:"fail_max_num"`
	MaxConnections       int             `config:"max_connections"`
	ConnectionMaxRequest int             `config:"connection_max_request"`
	ConnectionMaxTime    int             `config:"connection_max_time"`
	RetryMaxNum          int             `config:"retry_max_num"`
}

func (u *UpstreamConfig) setDefaults() {
	*u = UpstreamConfig{
		LoadBalance:          LoadBalanceWRR,
		ConnTimeout:          DefaultUpstreamConnTimeout,
		ReadTimeout:          DefaultUpstreamReadTimeout,
		WriteTimeout:         DefaultUpstreamWriteTimeout,
		KeepaliveTimeout:     DefaultUpstreamKeepaliveTimeout,
		FailTimeout:          DefaultUpstreamFailTimeout,
		FailMaxNum:           DefaultUpstreamFailMaxNum,
		MaxConnections:       DefaultUpstreamMaxConnections,
		ConnectionMaxRequest: DefaultUpstreamConnectionMaxRequest,
		ConnectionMaxTime:    DefaultUpstreamConnectionMaxTime,
		RetryMaxNum:          DefaultUpstreamRetryMaxNum,
	}
}

// DefaultUpstream returns an upstream with every default applied.
func DefaultUpstream(name string, backends ...BackendConfig) UpstreamConfig {
	var u UpstreamConfig
	u.setDefaults()
	u.Name = name
	u.Servers = backends
	return u
}

// AdminConfig enables the stats endpoint when Addr is set.
type AdminConfig struct {
	Addr string `config:"addr"`
}

// Default returns the configuration used when nothing is loaded.
func Default() *Config {
	return &Config{
		Workers:   DefaultWorkers,
		LogLevel:  DefaultLogLevel,
		StackSize: DefaultStackSize,
		EventSize: DefaultEventSize,
		Hook:      HookConfig{MutexRetryTime: DefaultMutexRetryTime},
	}
}

// New loads configuration from flags, the config file they name and the
// environment.
func New() (*Config, error) {
	return Parse(os.Args[1:])
}

// Parse is New over an explicit argument list. Flags override the
// environment, which overrides the file.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("coserver", flag.ContinueOnError)
	path := fs.String("config", "", "JSON configuration file")
	workers := fs.Int("workers", DefaultWorkers, "worker threads")
	level := fs.String("log-level", DefaultLogLevel, "log level (trace|debug|info|notice|warning|err|crit)")
	admin := fs.String("admin", "", "admin stats listen address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := Load(*path)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			cfg.Workers = *workers
		case "log-level":
			cfg.LogLevel = *level
		case "admin":
			cfg.Admin.Addr = *admin
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path (if not empty) and the COSERVER_* environment on top of
// the defaults. The result is not validated.
func Load(path string) (*Config, error) {
	m := NewManager()
	if path != "" {
		if err := m.LoadFromJSON(path); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)

	cfg := Default()
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks ranges and references.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return invalid("workers must be positive, got %d", c.Workers)
	}
	if c.Hook.MutexRetryTime <= 0 {
		return invalid("hook.mutex_retry_time must be positive")
	}
	if len(c.Servers) == 0 {
		return invalid("no servers configured")
	}

	names := make(map[string]struct{})
	ports := make(map[int]struct{})
	for i, s := range c.Servers {
		if s.Name == "" {
			return invalid("servers[%d]: missing name", i)
		}
		if _, dup := names[s.Name]; dup {
			return invalid("servers[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = struct{}{}
		if s.ListenPort <= 0 || s.ListenPort > 65535 {
			return invalid("server %s: bad listen_port %d", s.Name, s.ListenPort)
		}
		if _, dup := ports[s.ListenPort]; dup {
			return invalid("server %s: port %d already used", s.Name, s.ListenPort)
		}
		ports[s.ListenPort] = struct{}{}
		if s.Protocol != ProtocolTCP && s.Protocol != ProtocolHTTP {
			return invalid("server %s: unknown protocol %q", s.Name, s.Protocol)
		}
		if s.Handler == "" {
			return invalid("server %s: missing handler", s.Name)
		}
		if s.ReadTimeout <= 0 || s.WriteTimeout <= 0 || s.KeepaliveTimeout <= 0 {
			return invalid("server %s: timeouts must be positive", s.Name)
		}
		if s.MaxConnections <= 0 {
			return invalid("server %s: max_connections must be positive", s.Name)
		}
	}

	names = make(map[string]struct{})
	for i, u := range c.Upstreams {
		if u.Name == "" {
			return invalid("upstreams[%d]: missing name", i)
		}
		if _, dup := names[u.Name]; dup {
			return invalid("upstreams[%d]: duplicate name %q", i, u.Name)
		}
		names[u.Name] = struct{}{}
		if len(u.Servers) == 0 {
			return invalid("upstream %s: no servers", u.Name)
		}
		for _, b := range u.Servers {
			if b.Host == "" || b.Port <= 0 || b.Port > 65535 {
				return invalid("upstream %s: bad server %s", u.Name, b.Key())
			}
		}
		if u.LoadBalance != LoadBalanceWRR {
			return invalid("upstream %s: unknown load_balance %q", u.Name, u.LoadBalance)
		}
		if u.ConnTimeout <= 0 || u.ReadTimeout <= 0 || u.WriteTimeout <= 0 || u.KeepaliveTimeout <= 0 {
			return invalid("upstream %s: timeouts must be positive", u.Name)
		}
		if u.MaxConnections <= 0 {
			return invalid("upstream %s: max_connections must be positive", u.Name)
		}
	}
	return nil
}

// ArenaSize returns the per-worker connection bounds: every configured
// connection plus the internal ones, and a quarter of that up front.
func (c *Config) ArenaSize() (minConns, maxConns int) {
	maxConns = 4
	for _, s := range c.Servers {
		maxConns += s.MaxConnections
	}
	for _, u := range c.Upstreams {
		maxConns += u.MaxConnections
	}
	return maxConns / 4, maxConns
}
