package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling endpoints
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyceum-ai/lyceum/pkg/config"
	"github.com/lyceum-ai/lyceum/pkg/events"
	"github.com/lyceum-ai/lyceum/pkg/log"
	"github.com/lyceum-ai/lyceum/pkg/memory"
	"github.com/lyceum-ai/lyceum/pkg/metrics"
	"github.com/lyceum-ai/lyceum/pkg/queue"
	"github.com/lyceum-ai/lyceum/pkg/supervisor"
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
	Use:   "lyceum",
	Short: "Lyceum - Multi-agent co-scientist orchestration core",
	Long: `Lyceum coordinates a fleet of research agents through a priority
task queue with worker leases, durable snapshots, iteration-scoped context
memory and a weighted supervisor loop.`,
	Version: Version,
}

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Lyceum version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(configPath)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration core",
	Long: `Starts the task queue with its heartbeat and acknowledgement
monitors, snapshot autosave, the context memory store and the supervisor
loop. Metrics and pprof are served on the configured listen address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel)})
		logger := log.WithComponent("main")

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		q, err := queue.New(cfg.Queue)
		if err != nil {
			return fmt.Errorf("failed to create queue: %w", err)
		}
		q.SetBroker(broker)
		if err := q.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize queue: %w", err)
		}
		q.StartMonitoring()
		if cfg.Queue.PersistencePath != "" {
			q.StartPersistence()
		}

		mem, err := memory.New(cfg.Memory)
		if err != nil {
			return fmt.Errorf("failed to create context memory: %w", err)
		}
		if err := mem.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize context memory: %w", err)
		}
		defer mem.Close()

		// Periodic archival of stale iterations
		archiveStop := make(chan struct{})
		defer close(archiveStop)
		go func() {
			interval := cfg.Memory.ArchiveInterval
			if interval <= 0 {
				interval = 24 * time.Hour
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := mem.ArchiveOldData(); err != nil {
						logger.Error().Err(err).Msg("Archival pass failed")
					}
				case <-archiveStop:
					return
				}
			}
		}()

		sup, err := supervisor.New(cfg.Supervisor, q, mem)
		if err != nil {
			return fmt.Errorf("failed to create supervisor: %w", err)
		}
		sup.Start()
		defer sup.Stop()

		// Metrics and pprof
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/debug/pprof/", http.DefaultServeMux)
			logger.Info().Str("addr", cfg.ListenAddr).Msg("Serving metrics")
			if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()

		logger.Info().Msg("Lyceum core started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("Shutting down")
		q.Shutdown()
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <snapshot-path>",
	Short: "Summarise a queue snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}

		var snap queue.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("failed to parse snapshot: %w", err)
		}

		fmt.Printf("Snapshot version: %s (written %s)\n", snap.Version, snap.Timestamp.Format("2006-01-02 15:04:05 MST"))
		fmt.Printf("Pending tasks:    high=%d medium=%d low=%d\n",
			len(snap.Queues["high"]), len(snap.Queues["medium"]), len(snap.Queues["low"]))
		fmt.Printf("Tracked tasks:    %d\n", len(snap.Tasks))
		fmt.Printf("Workers:          %d\n", len(snap.Workers))
		fmt.Printf("Live assignments: %d\n", len(snap.Assignments))
		fmt.Printf("Dead-lettered:    %d\n", len(snap.DeadLetterQueue))
		fmt.Printf("Displaced tasks:  %d\n", snap.DisplacedTasks)
		return nil
	},
}
