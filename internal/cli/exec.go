package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/soyeahso/strand/internal/domain"
)

func newExecCmd() *cobra.Command {
	var (
		flags    turnFlags
		subagent string
	)

	cmd := &cobra.Command{
		Use:   "exec [prompt...]",
		Short: "Start a new conversation and run one turn",
		Long: "exec starts a new conversation, records it as a rollout file and runs a\n" +
			"single turn. Pass - as the prompt to read it from stdin.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd, args)
			if err != nil {
				return err
			}
			if prompt == "" {
				return errors.New("prompt is empty")
			}

			a, err := openApp(cmd.Context(), execSource(subagent))
			if err != nil {
				return err
			}
			defer a.Close()

			conv, err := a.mgr.NewConversation(cmd.Context(), flags.apply(a.conv))
			if err != nil {
				return err
			}
			printSession(cmd, "recording", conv)
			return runPrompt(cmd, conv, prompt, flags.json)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&subagent, "subagent", "", `run as a sub-agent ("review" or a custom label)`)
	return cmd
}

func execSource(subagent string) domain.SessionSource {
	switch subagent {
	case "":
		return domain.TopLevel(domain.SourceExec)
	case "review":
		return domain.ReviewSubAgent()
	default:
		return domain.NamedSubAgent(subagent)
	}
}
