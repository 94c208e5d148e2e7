package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/xoelrdgz/sshwarden/internal/adapters/admin"
	"github.com/xoelrdgz/sshwarden/internal/adapters/firewall"
	"github.com/xoelrdgz/sshwarden/internal/adapters/input"
	"github.com/xoelrdgz/sshwarden/internal/adapters/output"
	"github.com/xoelrdgz/sshwarden/internal/adapters/storage"
	"github.com/xoelrdgz/sshwarden/internal/app"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

var (
	demoMode   bool
	demoRate   int
	replayPath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the defense engine",
	Long: `Start monitoring the configured sources and enforcing blocks.

Examples:
  sshwarden run
  sshwarden run --config /etc/sshwarden/config.yaml
  sshwarden run --simulate
  sshwarden run --replay /var/log/auth.log.1 --simulate
  sshwarden run --demo --demo-rate 50`,
	RunE: runMonitor,
}

func init() {
	runCmd.Flags().BoolVar(&demoMode, "demo", false, "demo mode: synthetic sshd traffic in simulation mode")
	runCmd.Flags().IntVar(&demoRate, "demo-rate", 20, "demo mode: log lines per second")
	runCmd.Flags().StringVar(&replayPath, "replay", "", "replay a finished log file and exit at its end")
	runCmd.Flags().Bool("simulate", false, "log firewall actions instead of applying them")
	runCmd.Flags().IntP("workers", "w", 4, "outbound action workers")

	viper.BindPFlag("firewall.simulate", runCmd.Flags().Lookup("simulate"))
	viper.BindPFlag("pipeline.workers", runCmd.Flags().Lookup("workers"))
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := app.LoadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)

	if demoMode {
		cfg.Firewall.Simulate = true
		if !viper.IsSet("state.path") || viper.GetString("state.path") == "/var/lib/sshwarden/state.db" {
			cfg.State.Path = filepath.Join(os.TempDir(), "sshwarden-demo.db")
		}
	}
	if replayPath != "" {
		cfg.Pipeline.ExitOnEOF = true
	}

	if !cfg.Firewall.Simulate && os.Geteuid() != 0 {
		log.Warn().Msg("Not running as root, firewall backends will likely fail their probe")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	parser := input.NewSSHLogParser(input.SSHParserConfig{})
	sources, err := buildSources(cfg, parser)
	if err != nil {
		return err
	}

	metrics := output.NewPrometheusMetrics("sshwarden")

	backend, err := firewall.Select(ctx, firewall.SelectOptions{
		Preference:         cfg.Firewall.Backends,
		Simulate:           cfg.Firewall.Simulate,
		FallbackToSimulate: cfg.Firewall.FallbackToSimulate,
		Runner:             firewall.NewExecRunner(cfg.Firewall.CallTimeout),
		IPTablesChain:      cfg.Firewall.IPTables.Chain,
		NFTablesTable:      cfg.Firewall.NFTables.Table,
		Command: firewall.CommandTemplates{
			Block:   cfg.Firewall.Command.Block,
			Unblock: cfg.Firewall.Command.Unblock,
			Probe:   cfg.Firewall.Command.Probe,
		},
	})
	if err != nil {
		return fmt.Errorf("firewall: %w", err)
	}
	controller := firewall.NewController(backend, firewall.RetryPolicy{
		Attempts:        cfg.Firewall.Retry.Attempts,
		InitialInterval: cfg.Firewall.Retry.InitialInterval,
		MaxInterval:     cfg.Firewall.Retry.MaxInterval,
		CallTimeout:     cfg.Firewall.CallTimeout,
	}, metrics)

	memAlerter := output.NewMemoryAlerter(cfg.Alerts.MemorySize)
	alerters := []ports.Alerter{memAlerter}
	if cfg.Alerts.Log {
		alerters = append(alerters, output.NewLogAlerter(nil))
	}
	if cfg.Alerts.JSON.Enabled {
		jsonAlerter, err := output.NewJSONAlerter(output.JSONAlerterConfig{
			FilePath: cfg.Alerts.JSON.Path,
			Stdout:   cfg.Alerts.JSON.Stdout,
		})
		if err != nil {
			return fmt.Errorf("failed to create JSON alerter: %w", err)
		}
		alerters = append(alerters, jsonAlerter)
	}

	store, err := storage.OpenBolt(storage.BoltConfig{Path: cfg.State.Path, OpenTimeout: 2 * time.Second})
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}

	monitor, err := app.NewMonitor(cfg.MonitorConfig(), app.MonitorDeps{
		Sources:     sources,
		Store:       store,
		Controller:  controller,
		Alerters:    alerters,
		Subscribers: []ports.AlertSubscriber{metrics},
		Recent:      memAlerter,
		Observer:    metrics,
	})
	if err != nil {
		_ = store.Close()
		return err
	}

	log.Info().
		Str("backend", controller.Backend()).
		Int("sources", len(sources)).
		Int("threshold", cfg.Detection.Threshold).
		Dur("window", cfg.Detection.Window).
		Str("state", cfg.State.Path).
		Msg("sshwarden started")

	if viper.ConfigFileUsed() != "" {
		watcher := app.NewConfigWatcher(viper.GetViper(), cfg, monitor)
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	g.Go(func() error {
		defer cancelRun()
		return monitor.Run(runCtx)
	})

	if cfg.Admin.Enabled {
		health := output.NewHealthChecker(monitor, output.HealthCheckerConfig{
			MaxLatency:       500 * time.Millisecond,
			CheckInterval:    2 * time.Second,
			OutboundCapacity: cfg.Pipeline.OutboundBuffer,
		})
		server := admin.NewServer(monitor, admin.ServerConfig{
			Listen:    cfg.Admin.Listen,
			RateLimit: cfg.Admin.RateLimit,
			Health:    health,
			Metrics:   metrics.Handler(),
		})
		if err := server.Start(); err != nil {
			cancelRun()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			select {
			case err, ok := <-server.Err():
				if ok {
					return err
				}
				return nil
			case <-runCtx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	for _, a := range alerters {
		if cerr := a.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("Error closing alerter")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

func buildSources(cfg *app.Config, parser ports.LineParser) ([]ports.EventSource, error) {
	if demoMode {
		demo := input.DefaultDemoConfig()
		demo.Rate = demoRate
		demo.BufferSize = cfg.Pipeline.InboundBuffer
		log.Info().Int("rate", demoRate).Msg("Demo mode: generating synthetic sshd traffic")
		return []ports.EventSource{input.NewDemoGenerator(demo, parser)}, nil
	}

	if replayPath != "" {
		log.Info().Str("path", replayPath).Msg("Replaying log file")
		return []ports.EventSource{input.NewFileSource(input.FileSourceConfig{
			Path:          replayPath,
			FromBeginning: true,
			BufferSize:    cfg.Pipeline.InboundBuffer,
		}, parser)}, nil
	}

	sources := make([]ports.EventSource, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		switch sc.Type {
		case "file":
			sources = append(sources, input.NewFileSource(input.FileSourceConfig{
				Path:          sc.Path,
				Follow:        sc.Follow,
				FromBeginning: sc.FromBeginning,
				BufferSize:    cfg.Pipeline.InboundBuffer,
			}, parser))
		case "journald":
			sources = append(sources, input.NewJournalSource(input.JournalSourceConfig{
				Units:      sc.Units,
				BufferSize: cfg.Pipeline.InboundBuffer,
			}, parser))
		default:
			return nil, fmt.Errorf("unknown source type %q", sc.Type)
		}
	}
	if len(sources) == 0 {
		return nil, errors.New("no event sources configured: add one under sources, or use --replay or --demo")
	}
	return sources, nil
}
