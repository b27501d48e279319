package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonderland/bridge/pkg/ipc"
	"github.com/wonderland/bridge/pkg/packet"
)

var (
	observeIP           string
	observePort         string
	observePingInterval time.Duration
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Connect as an observer and print every event",
	Long: `Observe connects to a running bridge as an observer speaking for
--ip and --port, prints each packet it receives and sends every line read
from stdin as a command (at most three whitespace-separated words).`,
	RunE: runObserve,
}

func init() {
	observeCmd.Flags().StringVar(&observeIP, "ip", "127.0.0.1", "IP address to introduce the observer as")
	observeCmd.Flags().StringVar(&observePort, "port", "", "Port to introduce the observer as")
	observeCmd.Flags().DurationVar(&observePingInterval, "ping-interval", time.Minute,
		"Keepalive interval; must be shorter than the bridge read timeout")
	_ = observeCmd.MarkFlagRequired("port")
}

func runObserve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	client, err := ipc.Dial(ctx, cfg.Wonderland.SocketPath(), ipc.DefaultClientConfig())
	if err != nil {
		return err
	}
	defer client.Close()

	commID, err := client.Hello(observeIP, observePort)
	if err != nil {
		return fmt.Errorf("admission refused: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "admitted as comm %s on %s\n", commID, cfg.Wonderland.SocketPath())

	go func() {
		<-ctx.Done()
		client.Close()
	}()
	go keepAlive(ctx, client, observePingInterval)
	go sendCommands(ctx, client, cmd.InOrStdin(), cmd.ErrOrStderr())

	for {
		pkt, err := client.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection closed: %w", err)
		}
		if pkt.Op == packet.OpAck || pkt.Op == packet.OpPing {
			continue
		}
		fmt.Fprintln(out, pkt.String())
	}
}

func keepAlive(ctx context.Context, client *ipc.Client, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Send(packet.OpPing); err != nil {
				return
			}
		}
	}
}

func sendCommands(ctx context.Context, client *ipc.Client, in io.Reader, errOut io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		words := strings.Fields(scanner.Text())
		if len(words) == 0 {
			continue
		}
		if len(words) > 3 {
			fmt.Fprintln(errOut, "command not sent: at most three words")
			continue
		}
		if err := client.Send(packet.OpCommand, words...); err != nil {
			fmt.Fprintf(errOut, "command not sent: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(errOut, "stdin: %v\n", err)
	}
}
