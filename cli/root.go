// Package cli provides the command-line interface for the ALD agent. The
// root command runs the agent itself: it loads configuration, builds the
// runtime, and blocks until a shutdown signal arrives.
//
// Configuration Precedence (highest to lowest):
//  1. Environment variables with the ALD_ prefix
//  2. Configuration file values
//  3. Default values
//
// Example Usage:
//
//	# Run with a configuration file
//	ald-agent --config /etc/ald-agent/ald-agent.yaml
//
//	# Run against a simulated PLC with environment variables
//	export ALD_MACHINE_ID=reactor-01
//	export ALD_DATABASE_URL=postgresql://agent:secret@db:5432/ald
//	ald-agent
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nanofab/ald-agent/agent"
	"github.com/nanofab/ald-agent/common"
	"github.com/nanofab/ald-agent/config"
	"github.com/nanofab/ald-agent/version"
)

// cfgFile holds the path given via --config; empty means the default search
// path (./ald-agent.yaml, /etc/ald-agent/ald-agent.yaml).
var cfgFile string

// RootCmd is the agent entry point.
var RootCmd = &cobra.Command{
	Use:   "ald-agent",
	Short: "process-control agent bridging a cloud database and a Modbus/TCP PLC",
	Long: `ALD Agent

The on-premise runtime for one atomic layer deposition machine:
- continuous telemetry sampling from the PLC into the cloud database
- recipe execution with nested loops, valve pulses, and purges
- operator commands over LISTEN/NOTIFY with a polling fallback
- a local spool that buffers telemetry across database outages

The agent serves exactly one machine, identified by machine_id. Commands
are claimed with a conditional update so running several agents against
the same database never double-executes a command.`,
	RunE: runAgent,
}

// validateCmd checks the configuration without starting the agent.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "load and validate the configuration, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		fmt.Printf("configuration ok: machine %s, plc mode %s\n", cfg.MachineID, cfg.PLC.Mode)
		return nil
	},
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./ald-agent.yaml)")
	RootCmd.AddCommand(validateCmd)
	RootCmd.AddCommand(versionCmd)
}

// runAgent builds and runs the runtime until SIGINT or SIGTERM.
func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	common.ConfigureLogging(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := agent.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	return runtime.Run(ctx)
}
