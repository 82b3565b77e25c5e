package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // pprof endpoints, enabled only behind --enable-pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/octoforge/renderworker/pkg/log"
	"github.com/octoforge/renderworker/pkg/metrics"
	"github.com/octoforge/renderworker/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
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
	Use:     "renderworker",
	Short:   "renderworker - render-farm worker agent",
	Long:    `renderworker registers a machine with a render dispatcher, accepts command assignments over a local control RPC, and supervises the command-watcher process for each one.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"renderworker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker agent",
	Long:  `Start registers this machine with the dispatcher and runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		computerName, _ := cmd.Flags().GetString("computer-name")
		listenAddr, _ := cmd.Flags().GetString("listen-addr")
		dispatcherURL, _ := cmd.Flags().GetString("dispatcher-url")
		dispatcherTimeout, _ := cmd.Flags().GetDuration("dispatcher-timeout")
		pidDir, _ := cmd.Flags().GetString("pid-dir")
		logDir, _ := cmd.Flags().GetString("log-dir")
		killFile, _ := cmd.Flags().GetString("kill-file")
		restartFile, _ := cmd.Flags().GetString("restart-file")
		watcherBinary, _ := cmd.Flags().GetString("watcher-binary")
		tickPeriod, _ := cmd.Flags().GetDuration("tick-period")
		heartbeatPeriod, _ := cmd.Flags().GetDuration("heartbeat-period")
		registerRetry, _ := cmd.Flags().GetDuration("register-retry")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

		if computerName == "" {
			host, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("determine computer name: %w", err)
			}
			computerName = host
		}

		cfg := worker.DefaultConfig()
		cfg.ComputerName = computerName
		cfg.ListenAddr = listenAddr
		cfg.DispatcherBaseURL = dispatcherURL
		cfg.DispatcherTimeout = dispatcherTimeout
		cfg.PIDDir = pidDir
		cfg.LogDir = logDir
		cfg.KillFile = killFile
		cfg.RestartFile = restartFile
		cfg.WatcherBinary = watcherBinary
		cfg.TickPeriod = tickPeriod
		cfg.HeartbeatPeriod = heartbeatPeriod
		cfg.RegisterRetry = registerRetry

		w, err := worker.NewWorker(cfg)
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}

		fmt.Println("Starting renderworker...")
		fmt.Printf("  Computer name:  %s\n", computerName)
		fmt.Printf("  Dispatcher:     %s\n", dispatcherURL)
		fmt.Printf("  Control RPC:    %s\n", listenAddr)
		fmt.Printf("  PID directory:  %s\n", pidDir)
		fmt.Printf("  Log directory:  %s\n", logDir)
		fmt.Println()

		metrics.SetVersion(Version)

		collector := metrics.NewCollector(w.Registry())
		collector.Start()
		defer collector.Stop()

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if pprofEnabled {
				mux.Handle("/debug/pprof/", http.DefaultServeMux)
			}
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
		if pprofEnabled {
			fmt.Printf("✓ Profiling endpoints enabled at http://%s/debug/pprof/\n", metricsAddr)
		}

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- w.Start(ctx)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			cancel()
		case err := <-errCh:
			cancel()
			if err != nil {
				return fmt.Errorf("worker exited: %w", err)
			}
			return nil
		}

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("worker shutdown: %w", err)
			}
		case <-time.After(10 * time.Second):
			return fmt.Errorf("worker did not shut down within timeout")
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	startCmd.Flags().String("computer-name", "", "Name this worker registers under (defaults to the OS hostname)")
	startCmd.Flags().String("listen-addr", "127.0.0.1:0", "Address the control RPC server binds to")
	startCmd.Flags().String("dispatcher-url", "http://127.0.0.1:8000", "Base URL of the dispatcher")
	startCmd.Flags().Duration("dispatcher-timeout", 10*time.Second, "HTTP timeout for dispatcher requests")
	startCmd.Flags().String("pid-dir", "/var/run/renderworker", "Directory for command-watcher PID files")
	startCmd.Flags().String("log-dir", "/var/log/renderworker", "Directory for command-watcher log files")
	startCmd.Flags().String("kill-file", "/tmp/renderworker/KILLFILE", "Sentinel file an operator drops to pause or kill the worker")
	startCmd.Flags().String("restart-file", "/tmp/renderworker/RESTARTFILE", "Sentinel file the worker creates to request a supervised restart")
	startCmd.Flags().String("watcher-binary", "command-watcher", "Path to the command-watcher executable")
	startCmd.Flags().Duration("tick-period", 50*time.Millisecond, "Reconciliation tick period")
	startCmd.Flags().Duration("heartbeat-period", 6*time.Second, "Minimum interval between dispatcher heartbeats")
	startCmd.Flags().Duration("register-retry", 10*time.Second, "Delay between registration retry attempts")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the metrics/health HTTP server binds to")
	startCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints")
}
