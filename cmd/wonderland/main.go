package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wonderland/bridge/internal/config"
	"github.com/wonderland/bridge/internal/logger"
	"github.com/wonderland/bridge/pkg/bridge"
)

var (
	// CLI flags
	cfgFile         string
	envFiles        []string
	wonderlandID    string
	holePrefix      string
	logLevel        string
	logFormat       string
	logOutput       string
	admissionPolicy string
	limboFile       string

	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wonderland",
	Short: "Wonderland - local IPC bridge between a service and its observers",
	Long: `Wonderland binds a Unix domain socket and bridges one authoritative
service to any number of local observer processes.

Observers introduce themselves with the network identity they speak for
and are admitted or refused by the limbo ledger. Admitted observers get a
copy of every event the service broadcasts, and their commands are relayed
back to the service.`,
	Version:       bridge.DefaultVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "wonderland version %s\n", bridge.GetVersion())
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()

	rootLog.Info("Starting wonderland",
		"version", bridge.GetVersion(),
		"wonderland_id", cfg.Wonderland.WonderlandID,
		"socket_path", cfg.Wonderland.SocketPath())
	rootLog.Debug("Effective configuration", "config", cfg.String())

	result, err := bridge.Bootstrap(ctx, bridge.BootstrapConfig{
		Config:  *cfg,
		Logger:  rootLog,
		Version: bridge.DefaultVersion,
	})
	if err != nil {
		rootLog.Error("Failed to bootstrap bridge", "error", err)
		return err
	}

	shutdown := bridge.NewShutdownManager(result.Bridge, cfg.ShutdownTimeout, rootLog)
	shutdown.Start()
	defer shutdown.Stop()

	rootLog.Info("Wonderland is running. Press Ctrl+C to stop.",
		"startup", result.Duration().String())
	if cfg.Admission.LimboFile != "" && cfg.Admission.ReloadOnSIGHUP {
		rootLog.Info("Send SIGHUP to reload the limbo file", "path", cfg.Admission.LimboFile)
	}

	<-shutdown.Done()
	rootLog.Info("Wonderland shutdown complete", "reason", shutdown.ShutdownReason())
	return nil
}

// initLogger builds the process logger and installs it as the global one
func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads any --env-file, the config file (the --config path or
// the default location), then environment variables, then CLI overrides
func loadConfig() (*config.Config, error) {
	if len(envFiles) > 0 {
		if err := config.LoadEnvFile(envFiles...); err != nil {
			return nil, err
		}
	}

	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	cfg.ApplyOverrides(config.OverrideOptions{
		WonderlandID:     wonderlandID,
		RabbitHolePrefix: holePrefix,
		LogLevel:         logLevel,
		LogFormat:        logFormat,
		LogOutput:        logOutput,
		AdmissionPolicy:  admissionPolicy,
		LimboFile:        limboFile,
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/wonderland/config.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil,
		"Dotenv files to load before reading WONDERLAND_* variables")
	rootCmd.PersistentFlags().StringVar(&wonderlandID, "wonderland-id", "",
		"Instance id; the socket path is <prefix><id>")
	rootCmd.PersistentFlags().StringVar(&holePrefix, "prefix", "",
		"Socket path prefix (default: /tmp/wonderland-)")

	serveCmd.Flags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	serveCmd.Flags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	serveCmd.Flags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")
	serveCmd.Flags().StringVar(&admissionPolicy, "admission-policy", "",
		"Verdict for peers the ledger does not know: accept, deny")
	serveCmd.Flags().StringVar(&limboFile, "limbo-file", "",
		"YAML file of seed accept/deny decisions")

	rootCmd.AddCommand(serveCmd, observeCmd, probeCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
