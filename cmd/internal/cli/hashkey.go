package cli

import (
	"fmt"
	"strings"

	"scribe/cmd/security/accesskey"

	"github.com/spf13/cobra"
)

const generatedKeyBytes = 32

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the argon2id hash that gates GET /auth/token",
		Long: `Hash-key hashes an access key for SCRIBE_AUTH_ACCESS_KEY_HASH. Without an
argument a random key is generated and printed alongside its hash.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := accesskey.FromEnv()
			if err != nil {
				return err
			}

			key := ""
			if len(args) == 1 {
				key = strings.TrimSpace(args[0])
			} else {
				key, err = accesskey.Generate(generatedKeyBytes)
				if err != nil {
					return err
				}
			}

			hash, err := cfg.Hash(key)
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				fmt.Fprintf(out, "SCRIBE_ACCESS_KEY=%s\n", key)
			}
			fmt.Fprintf(out, "SCRIBE_AUTH_ACCESS_KEY_HASH=%s\n", hash)
			return nil
		},
	}
}
