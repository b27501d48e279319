package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/wonderland/bridge/pkg/types"
)

// Config represents the complete configuration for the wonderland bridge
type Config struct {
	Wonderland      WonderlandConfig `json:"wonderland" yaml:"wonderland"`
	IPC             IPCConfig        `json:"ipc" yaml:"ipc"`
	Admission       AdmissionConfig  `json:"admission" yaml:"admission"`
	Health          HealthConfig     `json:"health" yaml:"health"`
	Logging         LoggingConfig    `json:"logging" yaml:"logging"`
	ShutdownTimeout time.Duration    `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// WonderlandConfig identifies the bridge instance and its socket address
type WonderlandConfig struct {
	RabbitHolePrefix string `json:"rabbit_hole_prefix" yaml:"rabbit_hole_prefix"`
	WonderlandID     string `json:"wonderland_id" yaml:"wonderland_id"`
}

// SocketPath returns the filesystem path of the listening socket
func (c WonderlandConfig) SocketPath() string {
	return c.RabbitHolePrefix + c.WonderlandID
}

// IPCConfig contains socket and connection configuration
type IPCConfig struct {
	MaxMessageSize   int           `json:"max_message_size" yaml:"max_message_size"` // bytes
	ReadTimeout      time.Duration `json:"read_timeout" yaml:"read_timeout"`         // idle deadline per read
	WriteTimeout     time.Duration `json:"write_timeout" yaml:"write_timeout"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	MaxConnections   int           `json:"max_connections" yaml:"max_connections"`
	QueueSize        int           `json:"queue_size" yaml:"queue_size"` // 0 = unbounded
}

// AdmissionConfig contains admission ledger configuration
type AdmissionConfig struct {
	DefaultPolicy  string `json:"default_policy" yaml:"default_policy"` // accept, deny
	LimboFile      string `json:"limbo_file,omitempty" yaml:"limbo_file,omitempty"`
	ReloadOnSIGHUP bool   `json:"reload_on_sighup" yaml:"reload_on_sighup"`
	AuditFile      string `json:"audit_file,omitempty" yaml:"audit_file,omitempty"`
}

// HealthConfig contains gRPC health endpoint configuration
type HealthConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	SocketPath string `json:"socket_path,omitempty" yaml:"socket_path,omitempty"` // default: <socket>.health
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// applyDefaults fills in zero-valued config fields with their defaults.
// Called after loading from YAML so partial configs get sensible values.
func applyDefaults(cfg *Config) {
	defaultWonderland := DefaultWonderlandConfig()
	if cfg.Wonderland.RabbitHolePrefix == "" {
		cfg.Wonderland.RabbitHolePrefix = defaultWonderland.RabbitHolePrefix
	}
	if cfg.Wonderland.WonderlandID == "" {
		cfg.Wonderland.WonderlandID = defaultWonderland.WonderlandID
	}

	defaultIPC := DefaultIPCConfig()
	if cfg.IPC.MaxMessageSize == 0 {
		cfg.IPC.MaxMessageSize = defaultIPC.MaxMessageSize
	}
	if cfg.IPC.ReadTimeout == 0 {
		cfg.IPC.ReadTimeout = defaultIPC.ReadTimeout
	}
	if cfg.IPC.WriteTimeout == 0 {
		cfg.IPC.WriteTimeout = defaultIPC.WriteTimeout
	}
	if cfg.IPC.HandshakeTimeout == 0 {
		cfg.IPC.HandshakeTimeout = defaultIPC.HandshakeTimeout
	}
	if cfg.IPC.MaxConnections == 0 {
		cfg.IPC.MaxConnections = defaultIPC.MaxConnections
	}

	// A missing section gets full defaults so that boolean defaults survive;
	// a partial section keeps its explicit false values.
	if cfg.Admission == (AdmissionConfig{}) {
		cfg.Admission = DefaultAdmissionConfig()
	} else if cfg.Admission.DefaultPolicy == "" {
		cfg.Admission.DefaultPolicy = DefaultAdmissionPolicy
	}
	if cfg.Health == (HealthConfig{}) {
		cfg.Health = DefaultHealthConfig()
	}

	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Default returns a configuration populated entirely with defaults
func Default() *Config {
	return &Config{
		Wonderland:      DefaultWonderlandConfig(),
		IPC:             DefaultIPCConfig(),
		Admission:       DefaultAdmissionConfig(),
		Health:          DefaultHealthConfig(),
		Logging:         DefaultLoggingConfig(),
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// envOverrides holds the environment variables that override file values.
// Tags must match the Env* constants.
type envOverrides struct {
	WonderlandID     string        `env:"WONDERLAND_ID"`
	RabbitHolePrefix string        `env:"WONDERLAND_PREFIX"`
	LogLevel         string        `env:"WONDERLAND_LOG_LEVEL"`
	LogFormat        string        `env:"WONDERLAND_LOG_FORMAT"`
	AdmissionPolicy  string        `env:"WONDERLAND_ADMISSION_POLICY"`
	LimboFile        string        `env:"WONDERLAND_LIMBO_FILE"`
	ReadTimeout      time.Duration `env:"WONDERLAND_READ_TIMEOUT"`
	// MaxConnections stays a string so an explicit 0 is distinguishable from unset
	MaxConnections string `env:"WONDERLAND_MAX_CONNECTIONS"`
}

// applyEnvOverrides applies environment variables on top of the loaded config
func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "invalid environment configuration", err)
	}

	if o.WonderlandID != "" {
		cfg.Wonderland.WonderlandID = o.WonderlandID
	}
	if o.RabbitHolePrefix != "" {
		cfg.Wonderland.RabbitHolePrefix = o.RabbitHolePrefix
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Logging.Format = o.LogFormat
	}
	if o.AdmissionPolicy != "" {
		cfg.Admission.DefaultPolicy = strings.ToLower(o.AdmissionPolicy)
	}
	if o.LimboFile != "" {
		cfg.Admission.LimboFile = o.LimboFile
	}
	if o.ReadTimeout != 0 {
		cfg.IPC.ReadTimeout = o.ReadTimeout
	}
	if o.MaxConnections != "" {
		n, err := strconv.Atoi(o.MaxConnections)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid %s: %s", EnvMaxConnections, o.MaxConnections), err)
		}
		cfg.IPC.MaxConnections = n
	}

	return nil
}

// LoadEnvFile loads KEY=VALUE pairs from dotenv files into the process
// environment. Variables that are already set keep their values.
func LoadEnvFile(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to load env file", err)
	}
	return nil
}

// Load loads configuration from the default file (if present), then
// environment variables, then validates it
func Load() (*Config, error) {
	var cfg *Config

	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	if c.Wonderland.WonderlandID == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "wonderland id cannot be empty")
	}
	if c.Wonderland.SocketPath() == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "socket path cannot be empty")
	}

	if c.IPC.MaxMessageSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc max message size must be positive")
	}
	if c.IPC.ReadTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc read timeout must be positive")
	}
	if c.IPC.WriteTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc write timeout must be positive")
	}
	if c.IPC.HandshakeTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc handshake timeout must be positive")
	}
	if c.IPC.MaxConnections < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc max connections cannot be negative")
	}
	if c.IPC.QueueSize < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc queue size cannot be negative")
	}

	switch c.Admission.DefaultPolicy {
	case PolicyAccept, PolicyDeny:
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid admission policy: %s (must be accept or deny)", c.Admission.DefaultPolicy))
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}

	return nil
}

// HealthSocketPath returns the health endpoint socket, derived from the
// main socket path when not set explicitly
func (c *Config) HealthSocketPath() string {
	if c.Health.SocketPath != "" {
		return c.Health.SocketPath
	}
	return c.Wonderland.SocketPath() + ".health"
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// Flags have the highest precedence, after defaults, YAML and environment.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.WonderlandID != "" {
		c.Wonderland.WonderlandID = opts.WonderlandID
	}
	if opts.RabbitHolePrefix != "" {
		c.Wonderland.RabbitHolePrefix = opts.RabbitHolePrefix
	}

	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}

	if opts.AdmissionPolicy != "" {
		c.Admission.DefaultPolicy = strings.ToLower(opts.AdmissionPolicy)
	}
	if opts.LimboFile != "" {
		c.Admission.LimboFile = opts.LimboFile
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	WonderlandID     string
	RabbitHolePrefix string

	LogLevel  string
	LogFormat string
	LogOutput string

	AdmissionPolicy string
	LimboFile       string
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Wonderland: %s, IPC: %s, Admission: %s, Health: %s, Logging: %s, ShutdownTimeout: %s}",
		c.Wonderland.String(),
		c.IPC.String(),
		c.Admission.String(),
		c.Health.String(),
		c.Logging.String(),
		c.ShutdownTimeout,
	)
}

func (c WonderlandConfig) String() string {
	return fmt.Sprintf("WonderlandConfig{ID: %s, SocketPath: %s}", c.WonderlandID, c.SocketPath())
}

func (c IPCConfig) String() string {
	return fmt.Sprintf("IPCConfig{MaxMessageSize: %d, ReadTimeout: %s, WriteTimeout: %s, MaxConnections: %d}",
		c.MaxMessageSize, c.ReadTimeout, c.WriteTimeout, c.MaxConnections)
}

func (c AdmissionConfig) String() string {
	return fmt.Sprintf("AdmissionConfig{DefaultPolicy: %s, LimboFile: %s, ReloadOnSIGHUP: %v, AuditFile: %s}",
		c.DefaultPolicy, c.LimboFile, c.ReloadOnSIGHUP, c.AuditFile)
}

func (c HealthConfig) String() string {
	return fmt.Sprintf("HealthConfig{Enabled: %v, SocketPath: %s}", c.Enabled, c.SocketPath)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}",
		c.Level, c.Format, c.Output)
}
