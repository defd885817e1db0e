package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soyeahso/strand/internal/auth"
)

func newLoginCmd() *cobra.Command {
	var (
		apiKey    string
		fromStdin bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API key for the model provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading api key from stdin: %w", err)
				}
				apiKey = line
			}
			apiKey = strings.TrimSpace(apiKey)
			if apiKey == "" {
				return errors.New("an API key is required (--api-key or --from-stdin)")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := paths.AuthFile(cfg)
			if err := auth.SaveAPIKey(path, apiKey); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved API key to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key to store")
	cmd.Flags().BoolVar(&fromStdin, "from-stdin", false, "read the API key from stdin")
	cmd.MarkFlagsMutuallyExclusive("api-key", "from-stdin")
	return cmd
}
