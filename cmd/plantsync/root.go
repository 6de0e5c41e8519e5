package main

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the plantsync command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "plantsync",
		Short:         "Offline-first sync engine for plant sharing",
		Long:          "plantsync keeps a local copy of plants and chat messages, queues edits made offline and uploads them when the server is reachable.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = Version
	cmd.SetVersionTemplate("plantsync version {{.Version}}\n")

	cmd.AddCommand(
		NewRunCommand(),
		NewPendingCommand(),
		NewHashPasswordCommand(),
	)

	return cmd
}
