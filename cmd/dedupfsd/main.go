// dedupfsd is the control plane of the file-deduplication pipeline. It
// owns the SQLite catalog, admits jobs under the policy gates, leases
// work to the scan/hash and thumbnail workers sharing the host, and
// serves the operator HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/dedupfs/internal/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "dedupfsd",
	Short: "dedupfs control plane",
	Long: `dedupfsd coordinates the file-deduplication pipeline on a single host.

It keeps the job catalog, thumbnail queue and WAL maintenance schedule in
one SQLite database, and exposes them over a JSON HTTP API. Workers poll
and claim work through the API or the database; nothing is pushed.

Configuration comes from DEDUPFS_-prefixed environment variables and an
optional TOML file at <state-root>/dedupfsd.toml (or --config).

Examples:
  dedupfsd serve
  dedupfsd migrate --status
  dedupfsd checkpoint --mode restart --reason "post-import"
  dedupfsd jobs list --status running`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default <state-root>/dedupfsd.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// loadConfig loads and validates the configuration; the --verbose flag
// wins over the configured value.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
