package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wonderland/bridge/pkg/health"
)

var probeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Query the bridge health endpoint",
	Long: `Probe asks the gRPC health endpoint of a running bridge whether it is
serving. It exits non-zero unless the status is SERVING.`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 3*time.Second, "Probe timeout")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	st, err := health.Probe(ctx, cfg.HealthSocketPath(), health.ServiceName)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.Wonderland.WonderlandID, st.String())
	if st != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("bridge is %s", st.String())
	}
	return nil
}
