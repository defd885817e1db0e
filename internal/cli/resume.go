package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/rollout"
	"github.com/soyeahso/strand/internal/store"
)

func newResumeCmd() *cobra.Command {
	var (
		flags turnFlags
		last  bool
	)

	cmd := &cobra.Command{
		Use:   "resume [rollout] [prompt...]",
		Short: "Continue a recorded conversation",
		Long: "resume reopens a rollout with its original identity and appends to it.\n" +
			"With --last, the newest rollout is used and every\n" +
			"argument is the prompt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !last && len(args) == 0 {
				return errors.New("a rollout path or --last is required")
			}

			a, err := openApp(cmd.Context(), domain.TopLevel(domain.SourceCLI))
			if err != nil {
				return err
			}
			defer a.Close()

			var path string
			if last {
				path, err = a.latestRollout(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				path, args = args[0], args[1:]
			}
			prompt, err := readPrompt(cmd, args)
			if err != nil {
				return err
			}

			conv, err := a.mgr.ResumeConversationFromRollout(cmd.Context(), flags.apply(a.conv), path, nil)
			if err != nil {
				return err
			}
			printSession(cmd, "resumed", conv)
			if prompt == "" {
				return nil
			}
			return runPrompt(cmd, conv, prompt, flags.json)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&last, "last", false, "resume the newest rollout")
	return cmd
}

// latestRollout asks the index first and falls back to scanning the rollout
// directory when the index is disabled or empty.
func (a *app) latestRollout(ctx context.Context) (string, error) {
	if a.index != nil {
		entry, err := a.index.Latest(ctx)
		if err == nil {
			return entry.Path, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	path, err := a.rollout.Latest(ctx)
	if errors.Is(err, rollout.ErrNotFound) {
		return "", errors.New("no recorded conversations to resume")
	}
	return path, err
}
