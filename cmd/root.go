// Package cmd wires the concierge binaries: the orchestrator daemon, the
// automation worker, and the operator dispatch command.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zjrosen/concierge/internal/config"
	"github.com/zjrosen/concierge/internal/log"
)

var (
	version   = "dev"
	cfgShared string
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:     "concierge",
	Short:   "Subscription concierge orchestrator and automation worker",
	Long: `Concierge drives subscription cancel and resume jobs for remote users:
the orchestrator handles outreach, consent, billing and dispatch over the
encrypted messaging transport; the worker executes browser automations on
behalf of dispatched jobs.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgShared, "config", "c", "concierge.env",
		"shared env config file")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

// loadConfig reads the shared env file overlaid by the component file next
// to it (orchestrator.env / worker.env).
func loadConfig(component string) (config.Config, string, error) {
	componentPath := filepath.Join(filepath.Dir(cfgShared), component+".env")
	cfg, _, err := config.Load(cfgShared, componentPath)
	if err != nil {
		return config.Config{}, "", err
	}
	return cfg, componentPath, nil
}

// initLogging starts the category logger when debug is requested. The
// returned cleanup closes the log file.
func initLogging(cfg config.Config, component string) (func(), error) {
	debug := debugFlag || os.Getenv("CONCIERGE_DEBUG") != ""
	if !debug {
		return func() {}, nil
	}

	logPath := os.Getenv("CONCIERGE_LOG")
	if logPath == "" {
		logPath = component + ".log"
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.SetMinLevel(log.ParseLevel(cfg.LogLevel))
	log.Info(log.CatConfig, "Concierge starting", "component", component, "logPath", logPath)
	return cleanup, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
