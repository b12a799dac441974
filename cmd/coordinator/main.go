// blearbiter-coordinator hosts the agent-facing channel server, owns the
// node pool and handoff election, and optionally drives a local BLE
// endpoint directly.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nodewire/blearbiter/pkg/admin"
	"github.com/nodewire/blearbiter/pkg/audit"
	"github.com/nodewire/blearbiter/pkg/bleendpoint"
	"github.com/nodewire/blearbiter/pkg/config"
	"github.com/nodewire/blearbiter/pkg/coordinator"
	"github.com/nodewire/blearbiter/pkg/election"
	"github.com/nodewire/blearbiter/pkg/logger"
	"github.com/nodewire/blearbiter/pkg/nodepool"
	"github.com/nodewire/blearbiter/pkg/telemetry"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "blearbiter-coordinator",
		Short:   "blearbiter coordinator - BLE single-active arbitration server",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: searched in standard locations)")

	rootCmd.AddCommand(newStartCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func runStart() error {
	cfg, err := config.LoadCoordinator(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	logger.SetGlobal(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := bleendpoint.New(bleendpoint.Config{
		DeviceAddress:        cfg.BLE.DeviceAddress,
		AddressType:          cfg.BLE.AddressType,
		HCIInterfaceIndex:    cfg.BLE.HCIInterfaceIndex,
		NamePatterns:         cfg.BLE.DeviceNamePatterns,
		ScanDuration:         cfg.BLE.ScanDuration,
		ReconnectDelay:       cfg.BLE.ReconnectDelay,
		BatteryCheckInterval: cfg.BLE.BatteryCheckInterval,
	})
	local.SetEventHandler(coordinator.NewLocalEndpointEventHandler(log))

	pool := nodepool.New(nodepool.Config{
		PingInterval:   cfg.Pool.PingInterval,
		StaleTimeout:   cfg.Pool.StaleTimeout,
		HandoffTimeout: cfg.Pool.HandoffTimeout,
		ScanDuration:   cfg.BLE.ScanDuration,
	}, log)

	if cfg.Election.ScriptPath != "" {
		scorer, err := election.LoadScorer(cfg.Election.ScriptPath)
		if err != nil {
			return fmt.Errorf("load election script: %w", err)
		}
		pool.SetScorer(scorer)
	}

	var trail *audit.Trail
	if cfg.Audit.Enabled {
		trail, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("open audit trail: %w", err)
		}
		defer trail.Close()
	}

	router := coordinator.NewRouter(local, pool, log, trail)

	server := coordinator.NewServer(coordinator.ServerConfig{
		BindAddr:         cfg.AgentServer.BindAddr,
		Path:             cfg.AgentServer.Path,
		Token:            cfg.Auth.Token,
		JWTSecret:        cfg.Auth.JWTSecret,
		HandshakeTimeout: cfg.AgentServer.HandshakeTimeout,
	}, pool, log)

	mux := http.NewServeMux()
	mux.Handle(cfg.AgentServer.Path, server.Handler())
	httpSrv := &http.Server{Addr: cfg.AgentServer.BindAddr, Handler: mux}

	go func() {
		log.Info("agent channel server listening", "addr", cfg.AgentServer.BindAddr, "path", cfg.AgentServer.Path)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("agent channel server error", "error", err)
		}
	}()

	if cfg.BLE.DeviceAddress != "" || len(cfg.BLE.DeviceNamePatterns) > 0 {
		local.Connect()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux}
		go func() {
			log.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.NewServer(cfg.Admin.HTTPAddr, pool, local, router)
		go func() {
			log.Info("admin server listening", "addr", cfg.Admin.HTTPAddr)
			if err := adminSrv.ListenAndServe(); err != nil {
				log.Error("admin server error", "error", err)
			}
		}()
	}

	var publisher *telemetry.Publisher
	if cfg.Telemetry.MQTT.Enabled {
		tcfg := telemetry.Config{
			Broker:   cfg.Telemetry.MQTT.Broker,
			Topic:    cfg.Telemetry.MQTT.Topic,
			QoS:      cfg.Telemetry.MQTT.QoS,
			Interval: cfg.Telemetry.MQTT.Interval,
		}
		publisher, err = telemetry.NewPublisher(tcfg, pool, log)
		if err != nil {
			log.Warn("telemetry publisher failed to connect", "error", err)
		} else {
			go publisher.Run(ctx)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Info("blearbiter coordinator running")
	<-sigCh
	log.Info("shutting down")

	cancel()
	local.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if adminSrv != nil {
		adminSrv.Close()
	}
	if publisher != nil {
		publisher.Close()
	}

	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blearbiter-coordinator %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}
}
