// Package cli is the scribe command line: the relay server, the interactive editing
// client and the access-key helper share one binary.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the scribe command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "scribe",
		Short: "Collaborative multi-document editing over a websocket relay",
		Long: `Scribe keeps named text documents in sync between peers.

"scribe serve" runs the relay (token endpoint, websocket rooms, snapshots).
"scribe edit" opens an interactive client on a room of the relay.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newEditCmd(),
		newHashKeyCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
