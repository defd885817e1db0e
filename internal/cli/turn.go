package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/lineage"
)

// turnFlags are shared by exec, fork and resume.
type turnFlags struct {
	json         bool
	model        string
	instructions string
}

func (f *turnFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.json, "json", false, "print the finished turn as JSON instead of streaming text")
	cmd.Flags().StringVar(&f.model, "model", "", "override the configured model")
	cmd.Flags().StringVar(&f.instructions, "instructions", "", "override the configured instructions")
}

func (f *turnFlags) apply(cfg lineage.ConversationConfig) lineage.ConversationConfig {
	if f.model != "" {
		cfg.Model = f.model
	}
	if f.instructions != "" {
		cfg.Instructions = f.instructions
	}
	return cfg
}

// readPrompt joins args into a prompt. A lone "-" reads stdin.
func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	prompt := strings.Join(args, " ")
	if prompt != "-" {
		return prompt, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("reading prompt from stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

type turnOutput struct {
	CacheKeyID       string      `json:"cacheKeyId"`
	WireSessionID    string      `json:"wireSessionId"`
	Path             string      `json:"path"`
	Turn             domain.Turn `json:"turn"`
	LastAgentMessage string      `json:"lastAgentMessage"`
}

// runPrompt runs one turn on conv. Text output streams deltas as they
// arrive; a retried stream is announced on stderr since printed text cannot be
// taken back.
func runPrompt(cmd *cobra.Command, conv *lineage.Conversation, prompt string, asJSON bool) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	var onEvent func(lineage.Event)
	if !asJSON {
		onEvent = func(ev lineage.Event) {
			switch ev.Type {
			case lineage.EventAgentMessageDelta:
				fmt.Fprint(out, ev.Delta)
			case lineage.EventStreamRetry:
				fmt.Fprintf(errOut, "\n[stream interrupted, retrying (attempt %d)]\n", ev.Attempt)
			}
		}
	}

	turn, err := conv.StreamTurn(cmd.Context(), domain.TextInput(prompt), onEvent)
	if err != nil {
		if !asJSON {
			fmt.Fprintln(out)
		}
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(turnOutput{
			CacheKeyID:       conv.ID(),
			WireSessionID:    conv.Identity().WireSessionID(),
			Path:             conv.Path(),
			Turn:             turn,
			LastAgentMessage: turn.LastAgentMessage(),
		})
	}
	fmt.Fprintln(out)
	return nil
}

// printSession writes where a conversation is recorded to stderr, keeping
// stdout for the model's text.
func printSession(cmd *cobra.Command, verb string, conv *lineage.Conversation) {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s (session %s)\n", verb, conv.Path(), conv.Identity().WireSessionID())
}
