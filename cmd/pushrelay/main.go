package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// NewRootCommand assembles the pushrelay CLI.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pushrelay",
		Short:         "Message push relay for sockets, webhooks, browser and mobile push",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newServeCommand(),
		newSendCommand(),
		newVAPIDCommand(),
		newVersionCommand(),
	)
	return cmd
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
