package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is stamped by the build; `sluice version` prints it.
var Version = "dev"

// NewRoot constructs the root Cobra command with every subcommand
// registered.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "sluice",
		Short: "Durable at-least-once message broker on a local data directory",
		Long: "Sluice is an embedded message broker. The CLI operates directly on a\n" +
			"local data directory; no server process is involved.",
	}
	root.PersistentFlags().String("config", "", "Config file, JSON or YAML (optional)")
	root.PersistentFlags().String("data-dir", "", "Data directory (default: OS application data directory)")
	root.PersistentFlags().String("fsync", "", "Fsync mode: always|interval|never")
	root.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	root.PersistentFlags().String("log-format", "", "Log format: text|json")

	root.AddCommand(
		NewTopicCommand(),
		NewPublishCommand(),
		NewConsumeCommand(),
		NewDLQCommand(),
		NewBenchCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sluice %s %s/%s\n", Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
