package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/advisor/internal/output"
	"github.com/joescharf/advisor/internal/store"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "List, show, and delete stored conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun(cmdContext(cmd))
	},
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun(cmdContext(cmd))
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(cmdContext(cmd), args[0])
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:     "delete <session-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a session",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsDeleteRun(cmdContext(cmd), args[0])
	},
}

func init() {
	sessionsCmd.PersistentFlags().IntVarP(&sessionsLimit, "limit", "l", store.DefaultListLimit, "Maximum sessions to list")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func sessionsListRun(ctx context.Context) error {
	s, err := getStore(ctx)
	if err != nil {
		return err
	}

	summaries, err := s.List(ctx, store.ListOptions{Limit: sessionsLimit})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(summaries) == 0 {
		ui.Info("No sessions yet. Start one with: advisor chat")
		return nil
	}

	table := ui.Table([]string{"Session", "State", "Messages", "Updated", "Preview"})
	for _, sum := range summaries {
		table.Append([]string{
			sum.ID,
			output.StateColor(string(sum.State)),
			strconv.Itoa(sum.MessageCount),
			sum.UpdatedAt.Local().Format(time.DateTime),
			sum.Preview,
		})
	}
	return table.Render()
}

func sessionsShowRun(ctx context.Context, id string) error {
	s, err := getStore(ctx)
	if err != nil {
		return err
	}

	sess, err := s.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	ui.Info("Session %s  %s  (version %d)", output.Cyan(sess.ID), output.StateColor(string(sess.State())), sess.Version)
	fmt.Fprintln(ui.Out)
	for _, m := range sess.Messages {
		fmt.Fprintf(ui.Out, "%s: %s\n", output.RoleLabel(string(m.Role)), m.Content)
	}
	if sess.Pending != nil {
		fmt.Fprintln(ui.Out)
		ui.Question(sess.Pending.Question, sess.Pending.Options, sess.Pending.AllowFreeText)
	}
	return nil
}

func sessionsDeleteRun(ctx context.Context, id string) error {
	s, err := getStore(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete session %s", id)
		return nil
	}

	err = s.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	ui.Success("Deleted session %s", id)
	return nil
}
