package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes.
// This should only be called from tests.
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the wonderland configuration directory
// (~/.config/wonderland on Unix systems)
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "wonderland"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvWonderlandID     = "WONDERLAND_ID"
	EnvRabbitHolePrefix = "WONDERLAND_PREFIX"
	EnvLogLevel         = "WONDERLAND_LOG_LEVEL"
	EnvLogFormat        = "WONDERLAND_LOG_FORMAT"
	EnvAdmissionPolicy  = "WONDERLAND_ADMISSION_POLICY"
	EnvLimboFile        = "WONDERLAND_LIMBO_FILE"
	EnvReadTimeout      = "WONDERLAND_READ_TIMEOUT"
	EnvMaxConnections   = "WONDERLAND_MAX_CONNECTIONS"
)

// Admission policies applied when the ledger has no entry for a peer
const (
	PolicyAccept = "accept"
	PolicyDeny   = "deny"
)

const (
	// Default Wonderland settings
	DefaultRabbitHolePrefix = "/tmp/wonderland-"
	DefaultWonderlandID     = "default"

	// Default IPC settings
	DefaultMaxMessageSize   = 64 * 1024
	DefaultReadTimeout      = 5 * time.Minute
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxConnections   = 256

	// Default Admission settings
	DefaultAdmissionPolicy = PolicyAccept

	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultShutdownTimeout = 15 * time.Second
)

// DefaultWonderlandConfig returns the default instance identity
func DefaultWonderlandConfig() WonderlandConfig {
	return WonderlandConfig{
		RabbitHolePrefix: DefaultRabbitHolePrefix,
		WonderlandID:     DefaultWonderlandID,
	}
}

// DefaultIPCConfig returns the default socket configuration
func DefaultIPCConfig() IPCConfig {
	return IPCConfig{
		MaxMessageSize:   DefaultMaxMessageSize,
		ReadTimeout:      DefaultReadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxConnections:   DefaultMaxConnections,
		QueueSize:        0,
	}
}

// DefaultAdmissionConfig returns the default admission configuration
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		DefaultPolicy:  DefaultAdmissionPolicy,
		ReloadOnSIGHUP: true,
	}
}

// DefaultHealthConfig returns the default health endpoint configuration
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled: true,
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}
