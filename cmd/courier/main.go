// Command courier runs the conversational email agent: an HTTP gateway for
// conversation turns, a scheduler daemon for deferred and recurring delivery,
// and a local chat REPL.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.3.0"

	configPath string
)

func main() {
	root := &cobra.Command{
		Use:   "courier",
		Short: "Conversational email agent",
		Long: `Courier is a conversational email agent: it reads, searches, and
summarizes a mailbox, stages outbound email behind an explicit approval
gate, and delivers scheduled sends and digests through a background daemon.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		newServeCmd(),
		newDaemonCmd(),
		newChatCmd(),
		newScheduleCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the courier version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("courier", version)
		},
	}
}
