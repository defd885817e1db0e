package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soyeahso/strand/internal/config"
	"github.com/soyeahso/strand/internal/version"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show paths and a configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "strand %s (commit %s)\n\n", version.Version, version.Commit)

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:   error loading %s: %v\n", paths.Config, err)
				return nil
			}

			fmt.Fprintf(out, "Config:   %s\n", paths.Config)
			fmt.Fprintf(out, "Sessions: %s\n", paths.SessionsDir(cfg))
			if cfg.Index.IsEnabled() {
				fmt.Fprintf(out, "Index:    %s\n", paths.IndexPath(cfg))
			} else {
				fmt.Fprintln(out, "Index:    disabled")
			}
			fmt.Fprintf(out, "Auth:     %s\n\n", paths.AuthFile(cfg))

			fmt.Fprintf(out, "Model:    %s via %s\n", cfg.Model, cfg.ModelProvider)
			if p, err := cfg.ResolveProvider(); err == nil {
				fmt.Fprintf(out, "Backend:  %s (retries: request=%d stream=%d)\n",
					p.BaseURL, p.RequestRetries(), p.StreamRetries())
			}
			names := make([]string, 0, len(cfg.ModelProviders))
			for name := range cfg.ModelProviders {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(out, "Providers: %s\n", strings.Join(names, ", "))

			fmt.Fprintf(out, "Gateway:  port=%d bind=%s auth=%s\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode)

			if issues := config.Validate(&cfg); len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
			}
			return nil
		},
	}
}
