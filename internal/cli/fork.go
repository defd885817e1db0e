package cli

import (
	"github.com/spf13/cobra"

	"github.com/soyeahso/strand/internal/domain"
)

func newForkCmd() *cobra.Command {
	var (
		flags turnFlags
		turn  int
	)

	cmd := &cobra.Command{
		Use:   "fork <rollout> [prompt...]",
		Short: "Branch a conversation after a given turn",
		Long: "fork copies turns 0 through --turn of a rollout into a new rollout and\n" +
			"opens it as a new branch of the same session. With a prompt, one turn\n" +
			"is run on the branch.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd, args[1:])
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), domain.TopLevel(domain.SourceCLI))
			if err != nil {
				return err
			}
			defer a.Close()

			conv, err := a.mgr.ForkConversation(cmd.Context(), turn, flags.apply(a.conv), args[0])
			if err != nil {
				return err
			}
			printSession(cmd, "forked to", conv)
			if prompt == "" {
				return nil
			}
			return runPrompt(cmd, conv, prompt, flags.json)
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&turn, "turn", 0, "index of the last turn kept from the source rollout")
	_ = cmd.MarkFlagRequired("turn")
	return cmd
}
