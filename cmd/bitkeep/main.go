// bitkeep stores bitstreams, verifies their checksums and derives
// full-text and thumbnail bitstreams from them.
package main

import (
	"fmt"
	"os"

	"github.com/bitkeep/bitkeep/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	logLevel    string
	metricsFile string
	serviceRun  bool
}

func main() {
	if svc.IsServiceMode(os.Args) && !svc.Interactive() {
		runAsService(os.Args[1:])
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "bitkeep",
		Short: "bitkeep - bitstream storage and fixity checking",
		Long: `bitkeep keeps deposited files (bitstreams) in one or more asset stores,
records their checksums in a metadata database and verifies them over time.

QUICK START:

  # Create the database and asset stores
  bitkeep --config /etc/bitkeep/bitkeep.yaml init

  # Deposit a file into a new item
  bitkeep community create "Library"
  bitkeep collection create --community 1 "Theses"
  bitkeep item create --collection 1 "Thesis 42"
  bitkeep store --item 1 thesis.pdf

  # Check one bitstream (the default), a full pass, or for eight hours
  bitkeep checker
  bitkeep checker -l
  bitkeep checker -d 8h

  # Derive text and thumbnails, then reclaim deleted files
  bitkeep filter-media
  bitkeep cleanup`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(g.logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&g.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	rootCmd.PersistentFlags().BoolVar(&g.serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(
		newInitCmd(g),
		newCheckerCmd(g),
		newFilterMediaCmd(g),
		newCleanupCmd(g),
		newStoreCmd(g),
		newRetrieveCmd(g),
		newDeleteCmd(g),
		newRegisterCmd(g),
		newContainerCmd(g, "community"),
		newContainerCmd(g, "collection"),
		newContainerCmd(g, "item"),
		newServiceCmd(g),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "bitkeep %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
}

// setupLogging configures the global logger for console use. An empty level
// leaves the decision to the config file, applied once it is loaded.
func setupLogging(level string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if level == "" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return nil
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}
