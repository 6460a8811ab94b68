// Package config provides configuration management for lxiserver.
// It uses Viper for loading configuration from files, environment variables,
// and command-line flags with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for lxiserver.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Client  ClientConfig  `mapstructure:"client" yaml:"client"`
	Sandbox SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
	UPnP    UPnPConfig    `mapstructure:"upnp" yaml:"upnp"`
	Content ContentConfig `mapstructure:"content" yaml:"content"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP server engine.
type ServerConfig struct {
	// Addresses to bind (empty = all interfaces)
	BindAddresses []string `mapstructure:"bind_addresses" yaml:"bind_addresses"`
	// Preferred port, an ephemeral port is used when it is taken
	Port int `mapstructure:"port" yaml:"port"`
	// Maximum number of open connections
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`
	// Time allowed to receive a complete request
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// Maximum request header size (bytes)
	MaxHeaderSize int `mapstructure:"max_header_size" yaml:"max_header_size"`
	// Maximum message body size (bytes), for requests and client responses
	MaxBodySize int64 `mapstructure:"max_body_size" yaml:"max_body_size"`
	// Server name, used for the device UDN
	Name string `mapstructure:"name" yaml:"name"`
}

// ClientConfig holds configuration for outgoing HTTP requests.
type ClientConfig struct {
	// Maximum number of open sockets (0 = scale with CPUs)
	MaxOpenSockets int `mapstructure:"max_open_sockets" yaml:"max_open_sockets"`
	// How long an idle pooled connection is kept
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// Deadline for a single request
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// SandboxConfig holds configuration for the sandbox worker process.
type SandboxConfig struct {
	// Probe media files in a worker process
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Maximum number of sockets to the worker
	MaxOpenSockets int `mapstructure:"max_open_sockets" yaml:"max_open_sockets"`
	// Time the worker gets to exit before it is killed
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

// UPnPConfig holds configuration for the UPnP device and services.
type UPnPConfig struct {
	FriendlyName string `mapstructure:"friendly_name" yaml:"friendly_name"`
	Manufacturer string `mapstructure:"manufacturer" yaml:"manufacturer"`
	Model        string `mapstructure:"model" yaml:"model"`
	Serial       string `mapstructure:"serial" yaml:"serial"`
	// Accept SOAP bodies in an unexpected namespace
	PermissiveSOAP bool `mapstructure:"permissive_soap" yaml:"permissive_soap"`
	// Minimum interval between event notifications
	GENAMinInterval time.Duration `mapstructure:"gena_min_interval" yaml:"gena_min_interval"`
}

// ContentConfig holds configuration for the published media directory.
type ContentConfig struct {
	// Directory to publish (empty = none)
	Root string `mapstructure:"root" yaml:"root"`
	// Content directory path the root appears under
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	// Watch the root for changes
	Watch bool `mapstructure:"watch" yaml:"watch"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	// Log level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Log file (empty = stderr only)
	File string `mapstructure:"file" yaml:"file"`
	// Output format: text, json
	Format string `mapstructure:"format" yaml:"format"`
}

// ErrInvalidConfig is returned when a loaded configuration is unusable.
var ErrInvalidConfig = errors.New("invalid configuration")

func defaultName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "lxiserver"
	}
	return name
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddresses:  []string{},
			Port:           4280,
			MaxConnections: 1024,
			RequestTimeout: 60 * time.Second,
			MaxHeaderSize:  64 * 1024, // 64KB
			MaxBodySize:    16 << 20,  // 16MB
			Name:           defaultName(),
		},
		Client: ClientConfig{
			MaxOpenSockets: 0,
			IdleTimeout:    30 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			Enabled:        false,
			MaxOpenSockets: 4,
			StopTimeout:    5 * time.Second,
		},
		UPnP: UPnPConfig{
			FriendlyName:    "",
			Manufacturer:    "LXiMedia",
			Model:           "lxiserver",
			Serial:          "",
			PermissiveSOAP:  true,
			GENAMinInterval: 2 * time.Second,
		},
		Content: ContentConfig{
			Root:   "",
			Prefix: "/files/",
			Watch:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   "",
			Format: "text",
		},
	}
}

// global holds the global configuration instance.
var global *Config

// Global returns the global configuration instance.
func Global() *Config {
	if global == nil {
		global = DefaultConfig()
	}
	return global
}

// SetGlobal sets the global configuration instance.
func SetGlobal(cfg *Config) {
	global = cfg
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file search paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Search paths
	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".config", "lxiserver"))
	v.AddConfigPath("/etc/lxiserver")
	v.AddConfigPath(".")

	// Environment variable prefix
	v.SetEnvPrefix("LXISERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return finish(v)
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Set specific config file
	v.SetConfigFile(path)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Expand home directory in paths
	cfg.Content.Root = expandPath(cfg.Content.Root)
	if cfg.Logging.File != "" {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Set global config
	SetGlobal(cfg)

	return cfg, nil
}

// Validate checks values that would otherwise fail at startup.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	case c.Server.MaxConnections < 1:
		return fmt.Errorf("%w: server.max_connections must be positive", ErrInvalidConfig)
	case c.Server.MaxBodySize < 0:
		return fmt.Errorf("%w: server.max_body_size must not be negative", ErrInvalidConfig)
	case len(c.Content.Prefix) < 2 || c.Content.Prefix[0] != '/' || c.Content.Prefix[len(c.Content.Prefix)-1] != '/':
		return fmt.Errorf("%w: content.prefix %q must start and end with a slash", ErrInvalidConfig, c.Content.Prefix)
	}
	return nil
}

// setDefaults sets default values in viper.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server defaults
	v.SetDefault("server.bind_addresses", d.Server.BindAddresses)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.max_header_size", d.Server.MaxHeaderSize)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.name", d.Server.Name)

	// Client defaults
	v.SetDefault("client.max_open_sockets", d.Client.MaxOpenSockets)
	v.SetDefault("client.idle_timeout", d.Client.IdleTimeout)
	v.SetDefault("client.request_timeout", d.Client.RequestTimeout)

	// Sandbox defaults
	v.SetDefault("sandbox.enabled", d.Sandbox.Enabled)
	v.SetDefault("sandbox.max_open_sockets", d.Sandbox.MaxOpenSockets)
	v.SetDefault("sandbox.stop_timeout", d.Sandbox.StopTimeout)

	// UPnP defaults
	v.SetDefault("upnp.friendly_name", d.UPnP.FriendlyName)
	v.SetDefault("upnp.manufacturer", d.UPnP.Manufacturer)
	v.SetDefault("upnp.model", d.UPnP.Model)
	v.SetDefault("upnp.serial", d.UPnP.Serial)
	v.SetDefault("upnp.permissive_soap", d.UPnP.PermissiveSOAP)
	v.SetDefault("upnp.gena_min_interval", d.UPnP.GENAMinInterval)

	// Content defaults
	v.SetDefault("content.root", d.Content.Root)
	v.SetDefault("content.prefix", d.Content.Prefix)
	v.SetDefault("content.watch", d.Content.Watch)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.format", d.Logging.Format)
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "lxiserver", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// DeviceName returns the friendly name announced to control points.
func (c *Config) DeviceName() string {
	if c.UPnP.FriendlyName != "" {
		return c.UPnP.FriendlyName
	}
	return c.Server.Name + ": " + c.UPnP.Model
}
