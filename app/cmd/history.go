package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fairhopeweb/guijs/internal/logging"
	"github.com/fairhopeweb/guijs/persistence"
)

func newHistoryCmd(o *options) *cobra.Command {
	var (
		limit   int
		attempt string
		prune   int
		output  bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent bootstrap attempts from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(o.cfg.JournalPath); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), "no bootstrap attempts recorded yet")
				return nil
			}
			journal, err := persistence.OpenJournal(o.cfg.JournalPath, logging.Nop())
			if err != nil {
				return err
			}
			defer journal.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if prune > 0 {
				removed, err := journal.Prune(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d attempts\n", removed)
				return nil
			}
			if attempt != "" {
				return printAttempt(ctx, cmd, journal, attempt, output)
			}
			return printAttempts(ctx, cmd, journal, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of attempts to list")
	cmd.Flags().StringVar(&attempt, "attempt", "", "Show the transitions of one attempt")
	cmd.Flags().BoolVar(&output, "output", false, "Include process output with --attempt")
	cmd.Flags().IntVar(&prune, "prune", 0, "Keep only the newest N attempts")
	return cmd
}

func printAttempts(ctx context.Context, cmd *cobra.Command, journal *persistence.Journal, limit int) error {
	attempts, err := journal.Attempts(ctx, limit)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no bootstrap attempts recorded yet")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ATTEMPT\tSTARTED\tDURATION\tFINAL STATE\tVERSION")
	for _, a := range attempts {
		duration := "-"
		if !a.FinishedAt.IsZero() {
			duration = a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.StartedAt.Local().Format(time.DateTime), duration, a.FinalState, a.Version)
	}
	return w.Flush()
}

func printAttempt(ctx context.Context, cmd *cobra.Command, journal *persistence.Journal, id string, withOutput bool) error {
	transitions, err := journal.Transitions(ctx, id)
	if err != nil {
		return err
	}
	if len(transitions) == 0 {
		return fmt.Errorf("attempt %s: %w", id, sql.ErrNoRows)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tFROM\tTO\tNOTIFICATION")
	for _, t := range transitions {
		note := t.Notification
		if t.Payload != "" {
			note = fmt.Sprintf("%s %q", note, t.Payload)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.At.Local().Format("15:04:05.000"), t.From, t.To, note)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !withOutput {
		return nil
	}
	lines, err := journal.Output(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout())
	for _, l := range lines {
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", l.Kind, l.Command, l.Message)
	}
	return nil
}
