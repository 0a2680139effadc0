// Command port-forward is the client-side half of Module L: it opens a
// local TCP or UDP listener and forwards every connection into a task's
// container over the Host's multiplexed tunnel, without requiring the Host
// to expose container ports directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/tunnel"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kohakuriver-port-forward",
	Short:   "Forward a local port into a KohakuRiver task's container",
	Version: Version,
	RunE:    runForward,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("kohakuriver-port-forward %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs as JSON")

	rootCmd.Flags().String("host-addr", "http://127.0.0.1:7080", "base URL of the Host API")
	rootCmd.Flags().Int64("task-id", 0, "id of the task to forward into")
	rootCmd.Flags().Int("remote-port", 0, "port inside the container to forward to")
	rootCmd.Flags().String("listen", "127.0.0.1:0", "local address to listen on")
	rootCmd.Flags().Bool("udp", false, "forward UDP instead of TCP")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func runForward(cmd *cobra.Command, args []string) error {
	hostAddr, _ := cmd.Flags().GetString("host-addr")
	taskID, _ := cmd.Flags().GetInt64("task-id")
	remotePort, _ := cmd.Flags().GetInt("remote-port")
	listen, _ := cmd.Flags().GetString("listen")
	udp, _ := cmd.Flags().GetBool("udp")

	if taskID <= 0 {
		return fmt.Errorf("--task-id is required")
	}
	if remotePort <= 0 || remotePort > 65535 {
		return fmt.Errorf("--remote-port must be between 1 and 65535")
	}

	logger := log.WithComponent("port-forward")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := tunnel.DialHostForward(hostAddr, taskID)
	proxy := tunnel.NewProxy()

	var addr string
	if udp {
		pc, err := proxy.ListenUDP(ctx, listen, uint16(remotePort), dial)
		if err != nil {
			return fmt.Errorf("listen udp: %w", err)
		}
		defer pc.Close()
		addr = pc.LocalAddr().String()
	} else {
		ln, err := proxy.ListenTCP(ctx, listen, uint16(remotePort), dial)
		if err != nil {
			return fmt.Errorf("listen tcp: %w", err)
		}
		defer ln.Close()
		addr = ln.Addr().String()
	}

	logger.Info().
		Int64("task_id", taskID).
		Int("remote_port", remotePort).
		Str("listen", addr).
		Bool("udp", udp).
		Msg("forwarding")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	return nil
}
