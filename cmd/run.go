package cmd

import (
	"log/slog"
	"os"

	"github.com/cabelitos/openr/core"
	"github.com/cabelitos/openr/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the spark discovery engine",
	Long:  `This will run neighbor discovery on the current host. The process needs permission to join link-local multicast groups.`,
	Run: func(cmd *cobra.Command, args []string) {
		var cfg state.Config
		file, err := os.ReadFile(state.NodeConfigPath)
		if err != nil {
			panic(err)
		}
		err = yaml.Unmarshal(file, &cfg)
		if err != nil {
			panic(err)
		}

		level := slog.LevelInfo
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			level = slog.LevelDebug
		}

		err = core.Start(cfg, level)
		if err != nil {
			panic(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}
