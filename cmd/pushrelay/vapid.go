package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"pushrelay/internal/webpush"
)

func newVAPIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "Generate a VAPID key pair for browser push",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := webpush.GenerateKeys()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(keys, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pushrelay %s\n", version)
		},
	}
}
