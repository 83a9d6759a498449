// Package cmd wires up the beamcode command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for beamcode.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "beamcode",
		Short:         "beamcode — multi-backend agent session broker",
		Long:          "beamcode brokers WebSocket consumers onto coding-agent backends (claude, codex, gemini, remote peers), one backend per session.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
