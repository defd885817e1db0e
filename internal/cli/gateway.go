package cli

import (
	"github.com/spf13/cobra"

	"github.com/soyeahso/strand/internal/config"
	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/gateway"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the strand gateway server",
	}

	cmd.AddCommand(newGatewayRunCmd())
	return cmd
}

func newGatewayRunCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve conversations over WebSocket until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), domain.TopLevel(domain.SourceGateway))
			if err != nil {
				return err
			}
			defer a.Close()

			if port != 0 {
				a.cfg.Gateway.Port = port
			}
			if bind != "" {
				a.cfg.Gateway.Bind = bind
			}

			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				a.log.Warn().Err(err).Msg("raw config unavailable, config.get will see nothing")
				raw = make(map[string]any)
			}

			opts := []gateway.ServerOption{
				gateway.WithConfigRaw(raw),
				gateway.WithHooks(a.hooks),
				gateway.WithLineage(a.mgr, a.conv),
			}
			if a.index != nil {
				opts = append(opts, gateway.WithIndex(a.index))
			}

			srv := gateway.New(a.cfg, a.log, opts...)
			return srv.Start(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")
	return cmd
}
