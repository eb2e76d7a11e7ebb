package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/renderloop/renderq/pkg/api"
	"github.com/renderloop/renderq/pkg/bus"
	"github.com/renderloop/renderq/pkg/config"
	"github.com/renderloop/renderq/pkg/executor"
	"github.com/renderloop/renderq/pkg/log"
	"github.com/renderloop/renderq/pkg/metrics"
	"github.com/renderloop/renderq/pkg/pool"
	"github.com/renderloop/renderq/pkg/queue"
	"github.com/renderloop/renderq/pkg/sensor"
	"github.com/renderloop/renderq/pkg/store"
	"github.com/renderloop/renderq/pkg/supervisor"
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
	Use:   "renderq",
	Short: "RenderQ - scheduling and execution plane for image generation",
	Long: `RenderQ sits between clients and image-generation runtimes. It
accepts generation requests over HTTP, queues them durably by priority,
and drives an autoscaled worker pool that executes jobs against managed
or external ComfyUI-compatible runtimes, streaming progress over
WebSocket along the way.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"RenderQ version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the RenderQ daemon",
	Long: `Start the full scheduling plane: durable queue, worker pool,
resource sensor, runtime supervisor, and the HTTP/WebSocket API.

Configuration comes from environment variables, optionally overlaid by
a YAML file passed with --config. Set COMFYUI_URL to execute against an
external runtime instead of supervised containers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		var (
			cfg config.Config
			err error
		)
		if configPath != "" {
			cfg, err = config.LoadFile(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		metrics.SetVersion(Version)

		for _, dir := range []string{cfg.DataDir, cfg.OutputDir, cfg.InputDir} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}

		fmt.Println("Starting RenderQ...")
		fmt.Printf("  API Address: %s\n", cfg.ListenAddr())
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		if cfg.ComfyUIURL != "" {
			fmt.Printf("  Runtime: external (%s)\n", cfg.ComfyUIURL)
		} else {
			fmt.Println("  Runtime: supervised containers")
		}
		fmt.Println()

		sn := sensor.New(sensor.DefaultConfig())

		q, err := queue.Open(cfg.QueuePath, cfg.MaxQueueSize)
		if err != nil {
			return fmt.Errorf("failed to open queue: %w", err)
		}
		metrics.RegisterComponent("queue", true, "")
		fmt.Println("✓ Queue opened")

		st, err := store.Open(cfg.DataDir + "/store.db")
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		fmt.Println("✓ Store opened")

		b := bus.New(cfg.MaxWSConnections)
		b.Start()
		fmt.Println("✓ Progress bus started")

		var resolver executor.RuntimeResolver
		var sup *supervisor.Supervisor
		if cfg.ComfyUIURL == "" {
			sup, err = supervisor.New(st)
			if err != nil {
				return fmt.Errorf("failed to create supervisor: %w", err)
			}
			resolver = sup
			fmt.Println("✓ Runtime supervisor ready")
		}

		ecfg := executor.DefaultConfig()
		ecfg.MaxConcurrent = cfg.MaxConcurrent
		ecfg.Timeout = cfg.TaskTimeout
		ecfg.FixedRuntimeURL = cfg.ComfyUIURL
		ecfg.OutputDir = cfg.OutputDir
		ecfg.CPUMaxPercent = cfg.CPUMaxPercent
		ecfg.MemMaxPercent = cfg.MemMaxPercent
		ecfg.DiskMaxPercent = cfg.DiskMaxPercent
		e := executor.New(ecfg, q, b, sn, st, resolver)

		pcfg := pool.DefaultConfig()
		pcfg.MinWorkers = cfg.MinWorkers
		pcfg.MaxWorkers = cfg.MaxWorkers
		pcfg.ScaleThreshold = cfg.ScaleThreshold
		p := pool.New(pcfg, q, e, sn)
		if err := p.Start(); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
		metrics.RegisterComponent("pool", true, "")
		fmt.Println("✓ Worker pool started")

		collector := metrics.NewCollector(q, p, e, sn, b)
		collector.Start()

		apiServer := api.New(cfg, q, p, e, sn, b, st)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start api server: %w", err)
		}
		fmt.Println("✓ API server started")

		fmt.Println()
		fmt.Println("RenderQ is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := apiServer.Stop(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "api shutdown: %v\n", err)
		}
		p.Stop()
		collector.Stop()
		b.Stop()
		if sup != nil {
			sup.Shutdown(ctx)
		}
		if err := q.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "queue close: %v\n", err)
		}
		if err := st.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "store close: %v\n", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Sample host resources and print an admission verdict",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.Config{Level: log.ErrorLevel})

		sn := sensor.New(sensor.DefaultConfig())
		snap := sn.Sample()

		fmt.Printf("CPU:    %.1f%%\n", snap.CPUPercent)
		fmt.Printf("Memory: %.1f%% (%.0f MB available)\n", snap.MemPercent, snap.MemAvailMB)
		fmt.Printf("Disk:   %.1f%%\n", snap.DiskPercent)
		if snap.GPUUsedMB != nil && snap.GPUTotalMB != nil && snap.GPUPercent != nil {
			fmt.Printf("GPU:    %.1f%% util, %.0f/%.0f MB memory\n", *snap.GPUPercent, *snap.GPUUsedMB, *snap.GPUTotalMB)
		} else {
			fmt.Println("GPU:    not detected")
		}

		ok, reason := sn.Admit(0, 0)
		if !ok {
			fmt.Printf("\nAdmission: refused (%s)\n", reason)
			return nil
		}
		fmt.Println("\nAdmission: ok")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
}
