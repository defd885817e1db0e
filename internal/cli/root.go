// Package cli implements the strand command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soyeahso/strand/internal/config"
)

var (
	cfgFile  string
	logLevel string

	// resolved by the root command before any subcommand runs
	paths config.Paths
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strand",
		Short: "strand runs branching model conversations",
		Long: "strand records every conversation as a rollout file. Conversations can be\n" +
			"resumed where they stopped or forked at any turn into a new branch.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.strand/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(
		newExecCmd(),
		newForkCmd(),
		newResumeCmd(),
		newSessionsCmd(),
		newLoginCmd(),
		newConfigCmd(),
		newStatusCmd(),
		newGatewayCmd(),
		newVersionCmd(),
	)
	return cmd
}

// resolveLogLevel prefers the --log-level flag over the configured level.
func resolveLogLevel(configured string) string {
	switch {
	case logLevel != "":
		return logLevel
	case configured != "":
		return configured
	default:
		return "warn"
	}
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := newRootCmd().ExecuteContext(ctx)
	if err != nil {
		os.Stderr.WriteString("strand: " + err.Error() + "\n")
	}
	return err
}
