package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderland/bridge/pkg/types"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		EnvWonderlandID, EnvRabbitHolePrefix, EnvLogLevel, EnvLogFormat,
		EnvAdmissionPolicy, EnvLimboFile, EnvReadTimeout, EnvMaxConnections,
	} {
		t.Setenv(env, "")
	}
}

func TestConfigPrecedence(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("defaults are used when nothing else is specified", func(t *testing.T) {
		clearEnv(t)
		SetTestConfigPath(filepath.Join(tmpDir, "nonexistent.yaml"))
		defer SetTestConfigPath("")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, DefaultWonderlandID, cfg.Wonderland.WonderlandID)
		assert.Equal(t, DefaultRabbitHolePrefix+DefaultWonderlandID, cfg.Wonderland.SocketPath())
		assert.Equal(t, DefaultReadTimeout, cfg.IPC.ReadTimeout)
		assert.Equal(t, PolicyAccept, cfg.Admission.DefaultPolicy)
		assert.True(t, cfg.Health.Enabled)
		assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(tmpDir, "config.yaml")
		content := `
wonderland:
  rabbit_hole_prefix: /run/wl-
  wonderland_id: alpha
ipc:
  read_timeout: 30s
admission:
  default_policy: deny
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		SetTestConfigPath(path)
		defer SetTestConfigPath("")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "/run/wl-alpha", cfg.Wonderland.SocketPath())
		assert.Equal(t, 30*time.Second, cfg.IPC.ReadTimeout)
		assert.Equal(t, DefaultWriteTimeout, cfg.IPC.WriteTimeout)
		assert.Equal(t, PolicyDeny, cfg.Admission.DefaultPolicy)
		assert.False(t, cfg.Admission.ReloadOnSIGHUP, "explicit section keeps its false booleans")
	})

	t.Run("environment overrides file", func(t *testing.T) {
		clearEnv(t)
		SetTestConfigPath(filepath.Join(tmpDir, "nonexistent.yaml"))
		defer SetTestConfigPath("")

		t.Setenv(EnvWonderlandID, "beta")
		t.Setenv(EnvAdmissionPolicy, "DENY")
		t.Setenv(EnvReadTimeout, "45s")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "beta", cfg.Wonderland.WonderlandID)
		assert.Equal(t, PolicyDeny, cfg.Admission.DefaultPolicy)
		assert.Equal(t, 45*time.Second, cfg.IPC.ReadTimeout)
	})

	t.Run("invalid environment duration is rejected", func(t *testing.T) {
		clearEnv(t)
		SetTestConfigPath(filepath.Join(tmpDir, "nonexistent.yaml"))
		defer SetTestConfigPath("")

		t.Setenv(EnvReadTimeout, "soon")

		_, err := Load()
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
	})

	t.Run("explicit zero max connections from environment", func(t *testing.T) {
		clearEnv(t)
		SetTestConfigPath(filepath.Join(tmpDir, "nonexistent.yaml"))
		defer SetTestConfigPath("")

		t.Setenv(EnvMaxConnections, "0")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 0, cfg.IPC.MaxConnections)

		t.Setenv(EnvMaxConnections, "many")
		_, err = Load()
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
	})

	t.Run("env file fills unset variables", func(t *testing.T) {
		clearEnv(t)
		SetTestConfigPath(filepath.Join(tmpDir, "nonexistent.yaml"))
		defer SetTestConfigPath("")

		// t.Setenv restores the variable afterwards; unset it so the file applies
		require.NoError(t, os.Unsetenv(EnvWonderlandID))
		t.Setenv(EnvLogLevel, "warn")

		envPath := filepath.Join(tmpDir, "bridge.env")
		require.NoError(t, os.WriteFile(envPath,
			[]byte("WONDERLAND_ID=from-dotenv\nWONDERLAND_LOG_LEVEL=debug\n"), 0644))
		require.NoError(t, LoadEnvFile(envPath))

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "from-dotenv", cfg.Wonderland.WonderlandID)
		assert.Equal(t, "warn", cfg.Logging.Level, "set variables are not overridden")

		err = LoadEnvFile(filepath.Join(tmpDir, "missing.env"))
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
	})

	t.Run("CLI overrides win", func(t *testing.T) {
		cfg := Default()
		cfg.ApplyOverrides(OverrideOptions{
			WonderlandID:    "gamma",
			LogLevel:        "debug",
			AdmissionPolicy: "Deny",
			LimboFile:       "/etc/limbo.yaml",
		})

		assert.Equal(t, "gamma", cfg.Wonderland.WonderlandID)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, PolicyDeny, cfg.Admission.DefaultPolicy)
		assert.Equal(t, "/etc/limbo.yaml", cfg.Admission.LimboFile)
	})
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		filename string
		content  string
		wantErr  bool
		wantCode string
	}{
		{
			name:     "minimal config",
			filename: "minimal.yaml",
			content:  "wonderland:\n  wonderland_id: one\n",
		},
		{
			name:     "env interpolation with default",
			filename: "interp.yaml",
			content:  "wonderland:\n  wonderland_id: ${WL_TEST_UNSET_ID:-fallback}\n",
		},
		{
			name:     "wrong extension",
			filename: "config.json",
			content:  "{}",
			wantErr:  true,
			wantCode: types.ErrCodeInvalidArgument,
		},
		{
			name:     "whitespace only",
			filename: "blank.yaml",
			content:  "   \n\t\n",
			wantErr:  true,
			wantCode: types.ErrCodeInvalid,
		},
		{
			name:     "invalid yaml",
			filename: "broken.yaml",
			content:  "wonderland: [unclosed\n",
			wantErr:  true,
			wantCode: types.ErrCodeInvalid,
		},
		{
			name:     "invalid admission policy",
			filename: "policy.yaml",
			content:  "admission:\n  default_policy: maybe\n",
			wantErr:  true,
			wantCode: types.ErrCodeInvalid,
		},
		{
			name:     "invalid log format",
			filename: "logfmt.yaml",
			content:  "logging:\n  format: xml\n",
			wantErr:  true,
			wantCode: types.ErrCodeInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.filename)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			cfg, err := LoadFromFile(path)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, types.GetErrorCode(err))
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
		})
	}

	t.Run("interpolated value is applied", func(t *testing.T) {
		cfg, err := LoadFromFile(filepath.Join(tmpDir, "interp.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "fallback", cfg.Wonderland.WonderlandID)
	})

	t.Run("file not found", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(tmpDir, "missing.yaml"))
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeNotFound, types.GetErrorCode(err))
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty wonderland id", func(c *Config) { c.Wonderland.WonderlandID = "" }},
		{"zero max message size", func(c *Config) { c.IPC.MaxMessageSize = 0 }},
		{"zero read timeout", func(c *Config) { c.IPC.ReadTimeout = 0 }},
		{"negative queue size", func(c *Config) { c.IPC.QueueSize = -1 }},
		{"unknown policy", func(c *Config) { c.Admission.DefaultPolicy = "sometimes" }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, types.ErrCodeInvalidArgument, types.GetErrorCode(err))
		})
	}
}

func TestHealthSocketPath(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.Wonderland.SocketPath()+".health", cfg.HealthSocketPath())

	cfg.Health.SocketPath = "/run/health.sock"
	assert.Equal(t, "/run/health.sock", cfg.HealthSocketPath())
}
