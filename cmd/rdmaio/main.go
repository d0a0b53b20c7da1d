// Command rdmaio runs the RDMA connection engine: a server that accepts
// peer connections and drives queue pairs to RTS, and a loopback self-test
// that exercises the full data path on one host.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaio/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var (
	flagConfig  string
	flagAddress string
	flagPort    int
	flagDebug   bool
)

func main() {
	root := &cobra.Command{
		Use:           "rdmaio",
		Short:         "User-space RDMA connection engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			if flagDebug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			}
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&flagAddress, "address", "", "Bind or remote address")
	root.PersistentFlags().IntVar(&flagPort, "port", 0, "TCP side-channel port")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	root.AddCommand(serveCmd(), loopbackCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("rdmaio failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig, config.Options{
		Address: flagAddress,
		Port:    flagPort,
	})
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("bad log_level %q: %w", cfg.LogLevel, err)
	}
	if !flagDebug {
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rdmaio %s\n", version)
			fmt.Printf("  Commit: %s\n", commit)
			fmt.Printf("  Built:  %s\n", buildDate)
		},
	}
}
