package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/advisor/internal/advisor"
	"github.com/joescharf/advisor/internal/dispatch"
	"github.com/joescharf/advisor/internal/logging"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to the advisor in the terminal",
	Long: `Start an interactive conversation with the advisor.

When the advisor asks a clarifying question its suggested answers are
listed as #1, #2, ...; reply with #N to pick one. Anything else, bare
numbers included, is sent exactly as typed.
Type 'exit' or press Ctrl-D to quit.

With a message argument, sends that single message and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		logger, err := chatLogger()
		if err != nil {
			return err
		}
		d, _, err := newDispatcher(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer closeStore()

		c := &chatSession{dispatcher: d, sessionID: chatSessionID}
		if len(args) > 0 {
			return c.send(ctx, strings.Join(args, " "))
		}
		return c.loop(ctx, os.Stdin)
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "Resume an existing session id")
	rootCmd.AddCommand(chatCmd)
}

// chatLogger keeps per-turn info logs out of the conversation unless
// --verbose is set.
func chatLogger() (*slog.Logger, error) {
	if verbose {
		return newLogger()
	}
	return logging.New(os.Stderr, "warn", viper.GetString("log.format"))
}

// chatSession tracks the terminal side of one conversation.
type chatSession struct {
	dispatcher *dispatch.Dispatcher
	sessionID  string
	options    []string
}

// resolve maps a "#N" reply onto the matching offered option. Every other
// reply is an answer in its own right and is returned unchanged.
func (c *chatSession) resolve(input string) string {
	ref, ok := strings.CutPrefix(strings.TrimSpace(input), "#")
	if !ok {
		return input
	}
	n, err := strconv.Atoi(ref)
	if err != nil || n < 1 || n > len(c.options) {
		return input
	}
	return c.options[n-1]
}

func (c *chatSession) send(ctx context.Context, input string) error {
	out, err := c.dispatcher.Turn(ctx, c.sessionID, c.resolve(input))
	if err != nil {
		return err
	}
	if c.sessionID == "" {
		ui.VerboseLog("session %s", out.SessionID)
	}
	c.sessionID = out.SessionID

	switch r := out.Result.(type) {
	case advisor.ClarificationNeeded:
		c.options = r.Options
		ui.Question(r.Question, r.Options, r.AllowFreeText)
	case advisor.FinalAnswer:
		c.options = nil
		ui.Advice(r.Text)
	}
	return nil
}

func (c *chatSession) loop(ctx context.Context, in io.Reader) error {
	ui.Info("Ask the livestock advisor anything. Type 'exit' to quit.")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(ui.Out, "> ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "":
			continue
		case "exit", "quit":
			return c.goodbye()
		}

		if err := c.send(ctx, line); err != nil {
			switch dispatch.KindOf(err) {
			case dispatch.KindStorageFailure:
				return err
			case dispatch.KindSessionBusy:
				ui.Warning("Session is busy, try again")
			default:
				ui.Error("%v", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return c.goodbye()
}

func (c *chatSession) goodbye() error {
	fmt.Fprintln(ui.Out)
	if c.sessionID != "" {
		ui.Info("Resume with: advisor chat --session %s", c.sessionID)
	}
	return nil
}
