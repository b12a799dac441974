// blearbiter-agent is the forwarder process: it holds a persistent link
// to a coordinator and drives one local BLE endpoint on its behalf.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nodewire/blearbiter/pkg/agent"
	"github.com/nodewire/blearbiter/pkg/bleendpoint"
	"github.com/nodewire/blearbiter/pkg/config"
	"github.com/nodewire/blearbiter/pkg/logger"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "blearbiter-agent",
		Short:   "blearbiter forwarder agent - BLE endpoint relay",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (required)")

	rootCmd.AddCommand(newRunCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the coordinator and start forwarding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent()
		},
	}
}

func runAgent() error {
	if cfgFile == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := config.LoadAgent(cfgFile)
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

	endpoint := bleendpoint.New(bleendpoint.Config{
		DeviceAddress:        cfg.BLE.DeviceAddress,
		AddressType:          cfg.BLE.AddressType,
		HCIInterfaceIndex:    cfg.BLE.HCIInterfaceIndex,
		NamePatterns:         cfg.BLE.DeviceNamePatterns,
		ScanDuration:         cfg.BLE.ScanDuration,
		ReconnectDelay:       cfg.BLE.ReconnectDelay,
		BatteryCheckInterval: cfg.BLE.BatteryCheckInterval,
	})

	a := agent.New(agent.Config{
		ServerURL: cfg.ServerURL,
		Token:     cfg.Token,
		NodeID:    cfg.NodeID,
	}, endpoint, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.BLE.ScanOnStart {
		endpoint.Connect()
	}

	go a.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Info("blearbiter agent running", "server", cfg.ServerURL)
	<-sigCh
	log.Info("shutting down")

	cancel()
	endpoint.Disconnect()
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blearbiter-agent %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}
}
