package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/api"
	"github.com/kohakuriver/kohakuriver/pkg/ipalloc"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/kohakuriver/kohakuriver/pkg/monitor"
	"github.com/kohakuriver/kohakuriver/pkg/registry"
	"github.com/kohakuriver/kohakuriver/pkg/scheduler"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/tunnel"
	"github.com/kohakuriver/kohakuriver/pkg/types"
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
	Use:     "kohakuriver-host",
	Short:   "KohakuRiver Host: cluster scheduler and API server",
	Version: Version,
	RunE:    runHost,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("kohakuriver-host %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs as JSON")

	rootCmd.Flags().String("data-dir", "./kohakuriver-host-data", "directory for the task/node database")
	rootCmd.Flags().String("listen", ":7080", "address the Host HTTP API listens on")
	rootCmd.Flags().String("metrics-listen", ":7090", "address the Prometheus metrics endpoint listens on")
	rootCmd.Flags().String("tunnel-client-path", "/opt/kohakuriver/tunnel-client", "path to the tunnel-client binary on every Runner's filesystem")
	rootCmd.Flags().Bool("require-approval", false, "send every task submission to pending_approval instead of dispatching immediately")
	rootCmd.Flags().String("overlay-subnet", "", "CIDR overlay IPs are allocated from; empty disables overlay networking")
	rootCmd.Flags().Int("ssh-port-min", 20000, "lowest SSH proxy port handed to vps tasks")
	rootCmd.Flags().Int("ssh-port-max", 29999, "highest SSH proxy port handed to vps tasks")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func runHost(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	listen, _ := cmd.Flags().GetString("listen")
	metricsListen, _ := cmd.Flags().GetString("metrics-listen")
	tunnelClientPath, _ := cmd.Flags().GetString("tunnel-client-path")
	requireApproval, _ := cmd.Flags().GetBool("require-approval")
	overlaySubnet, _ := cmd.Flags().GetString("overlay-subnet")
	sshMin, _ := cmd.Flags().GetInt("ssh-port-min")
	sshMax, _ := cmd.Flags().GetInt("ssh-port-max")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	reg := registry.New(store)

	sshAlloc, err := ipalloc.NewSSHPortAllocator(sshMin, sshMax)
	if err != nil {
		return fmt.Errorf("create ssh port allocator: %w", err)
	}
	var ipAlloc *ipalloc.Manager
	if overlaySubnet != "" {
		ipAlloc = ipalloc.NewManager()
		if err := ipAlloc.AddSubnet(overlaySubnet); err != nil {
			return fmt.Errorf("configure overlay subnet: %w", err)
		}
	}

	runnerClient := api.NewRunnerClient(tunnelClientPath)

	sched, err := scheduler.New(store, reg, runnerClient, 0, scheduler.Config{
		RequireApproval: requireApproval,
		OverlaySubnet:   overlaySubnet,
		IPAlloc:         ipAlloc,
		SSHAlloc:        sshAlloc,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	if err := rebuildReservations(store, ipAlloc, sshAlloc, overlaySubnet); err != nil {
		return fmt.Errorf("rebuild reservations: %w", err)
	}
	if err := sched.ReconcileStuckAssigning(); err != nil {
		log.WithComponent("host").Warn().Err(err).Msg("startup reconcile of stuck-assigning tasks failed")
	}

	mon := monitor.New(reg, store, monitor.Config{
		OverlaySubnet: overlaySubnet,
		IPAlloc:       ipAlloc,
		SSHAlloc:      sshAlloc,
	})

	hostServer := api.NewHostServer(sched, reg, func(node *types.Node, containerID string) tunnel.StreamDialer {
		return runnerClient.StreamDialerFor(node, containerID)
	})

	sched.Start()
	mon.Start()
	defer sched.Stop()
	defer mon.Stop()

	httpServer := &http.Server{Addr: listen, Handler: hostServer.Handler()}
	metricsServer := &http.Server{Addr: metricsListen, Handler: metrics.Handler()}

	logger := log.WithComponent("host")
	go func() {
		logger.Info().Str("addr", listen).Msg("host API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("host API server failed")
		}
	}()
	go func() {
		logger.Info().Str("addr", metricsListen).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
	return nil
}

// rebuildReservations replays non-terminal tasks' SSH ports and overlay IPs
// into the in-memory allocators, since only the task rows (not the
// allocators themselves) survive a Host restart.
func rebuildReservations(store storage.Store, ipAlloc *ipalloc.Manager, sshAlloc *ipalloc.SSHPortAllocator, overlaySubnet string) error {
	tasks, err := store.ListTasks()
	if err != nil {
		return err
	}
	sshAlloc.Rebuild(tasks)
	if ipAlloc != nil {
		ipAlloc.Rebuild(overlaySubnet, tasks)
	}
	return nil
}
