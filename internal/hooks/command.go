package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/soyeahso/strand/internal/config"
)

// DefaultCommandTimeout bounds a hook command with no configured timeout.
const DefaultCommandTimeout = 10 * time.Second

// commandWaitDelay bounds how long a killed hook's leftover descendants may
// hold its output pipes open.
const commandWaitDelay = 500 * time.Millisecond

// EnvHookEvent is set in a hook command's environment to the event name.
const EnvHookEvent = "STRAND_HOOK_EVENT"

// CommandHandler returns a handler that runs entry.Command through sh -c with
// the JSON payload on stdin.
func CommandHandler(entry config.HookEntry) Handler {
	timeout := DefaultCommandTimeout
	if entry.Timeout > 0 {
		timeout = time.Duration(entry.Timeout) * time.Millisecond
	}

	return func(ctx context.Context, p Payload) error {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", entry.Command)
		killGroup(cmd)
		cmd.WaitDelay = commandWaitDelay
		cmd.Stdin = bytes.NewReader(body)
		cmd.Env = append(os.Environ(), EnvHookEvent+"="+p.Event)

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("hook %q timed out after %s", entry.Command, timeout)
			}
			if exitErr, ok := err.(*exec.ExitError); ok {
				return fmt.Errorf("hook %q exited %d: %s", entry.Command, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
			}
			return fmt.Errorf("hook %q: %w", entry.Command, err)
		}
		return nil
	}
}

// RegisterConfigured registers a CommandHandler for every configured hook.
// It returns the number of handlers registered.
func RegisterConfigured(m *Manager, cfg config.HooksConfig) int {
	byEvent := map[string][]config.HookEntry{
		EventConversationCreated: cfg.ConversationCreated,
		EventConversationForked:  cfg.ConversationForked,
		EventConversationResumed: cfg.ConversationResumed,
		EventTurnStarted:         cfg.TurnStarted,
		EventTurnCompleted:       cfg.TurnCompleted,
		EventTurnFailed:          cfg.TurnFailed,
		EventStreamRetry:         cfg.StreamRetry,
		EventGatewayStart:        cfg.GatewayStart,
		EventGatewayStop:         cfg.GatewayStop,
	}

	var n int
	for _, event := range AllEvents {
		for i, entry := range byEvent[event] {
			if strings.TrimSpace(entry.Command) == "" {
				continue
			}
			m.On(event, fmt.Sprintf("config:%s:%d", event, i), CommandHandler(entry))
			n++
		}
	}
	return n
}
