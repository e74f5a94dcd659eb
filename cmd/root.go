package cmd

import (
	"os"

	"github.com/cabelitos/openr/state"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "openr",
	Short: "Open/R neighbor discovery daemon",
	Long: `Spark is the neighbor discovery and adjacency protocol engine of the
Open/R link-state routing daemon. It discovers peers over link-local IPv6
multicast, negotiates bidirectional adjacencies, measures round-trip time and
reports neighbor lifecycle events upstream.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&state.NodeConfigPath, "config", "c", state.NodeConfigPath, "node configuration file")
}
