package cli

import (
	"scribe/cmd/internal/app"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Serve runs the relay: GET /auth/token, websocket rooms at /ws/{room},
/healthz, /readyz and /metrics. Configuration comes from SCRIBE_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context())
		},
	}
}
