package main

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags.
	configPath string
	port       int
	workers    int
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "kvcache",
	Short: "In-memory key-value cache with pressure-driven eviction",
	Long: `kvcache serves string keys and values over HTTP and keeps the process
below its memory ceiling by evicting entries in tiers: nothing below 70%
usage, a shrinking target capacity up to 95%, and an immediate cut below
90% beyond that.

Examples:
  # Start with defaults on port 7171
  kvcache

  # Start from a config file with 8 worker threads
  kvcache --config configs/kvcache.yaml --workers 8

  # Store and read a value
  curl -X POST localhost:7171/put -d '{"key":"a","value":"1"}'
  curl 'localhost:7171/get?key=a'`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/kvcache.yaml", "path to the YAML configuration file")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides config and KVCACHE_PORT)")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", -1, "worker threads, 0 for one per CPU (overrides config and WORKERS)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}
