// Command streamvaultd is the StreamVault recording daemon: it ingests
// Twitch EventSub webhooks, supervises live-stream captures and runs the
// post-processing pipeline that prepares recordings for media servers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "streamvaultd",
		Short:         "Twitch stream recorder and post-processing daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newValidateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("streamvaultd %s (%s)\n", version, commit)
		},
	}
}
