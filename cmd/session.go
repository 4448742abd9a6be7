package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/output"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect dialectic sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's transcript and resolution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(cmd.Context(), args[0])
	},
}

var sessionCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Fail sessions idle past the inactivity threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCleanupRun(cmd.Context())
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionCleanupCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	sessions, err := s.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(sessions) == 0 {
		ui.Info("No active sessions")
		return nil
	}

	table := ui.Table([]string{"ID", "Paused", "Reviewer", "Phase", "Round", "Last Active"})
	for _, sess := range sessions {
		table.Append([]string{
			sess.ID,
			sess.PausedAgentID,
			sess.ReviewerAgentID,
			output.PhaseColor(string(sess.Phase)),
			fmt.Sprintf("%d/%d", sess.SynthesisRound, sess.MaxSynthesisRounds),
			sess.LastActiveAt.Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}

func sessionShowRun(ctx context.Context, sessionID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	fmt.Fprintf(ui.Out, "Session:  %s\n", sess.ID)
	fmt.Fprintf(ui.Out, "Paused:   %s\n", sess.PausedAgentID)
	fmt.Fprintf(ui.Out, "Reviewer: %s\n", sess.ReviewerAgentID)
	fmt.Fprintf(ui.Out, "Phase:    %s\n", output.PhaseColor(string(sess.Phase)))
	fmt.Fprintf(ui.Out, "Round:    %d/%d\n", sess.SynthesisRound, sess.MaxSynthesisRounds)
	if sess.DiscoveryID != "" {
		fmt.Fprintf(ui.Out, "Dispute:  %s finding %s\n", sess.DisputeType, sess.DiscoveryID)
	}
	fmt.Fprintf(ui.Out, "Opened:   %s\n", sess.CreatedAt.Format(time.RFC3339))

	for _, e := range sess.Transcript {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "[%s] %s at %s\n",
			output.PhaseColor(string(e.Phase)), e.AgentID, e.Timestamp.Format("15:04:05"))
		printTranscriptEntry(e)
	}

	if r := sess.Resolution; r != nil {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "Resolution: %s\n", string(r.Action))
		fmt.Fprintf(ui.Out, "Root cause: %s\n", r.RootCause)
		for _, c := range r.Conditions {
			fmt.Fprintf(ui.Out, "  - %s\n", c)
		}
		fmt.Fprintf(ui.Out, "Hash:       %s\n", r.ContentHash)
		fmt.Fprintf(ui.Out, "Signed:     %s\n", r.Timestamp.Format(time.RFC3339))
	}
	return nil
}

func printTranscriptEntry(e models.TranscriptEntry) {
	switch {
	case e.Thesis != nil:
		fmt.Fprintf(ui.Out, "  root cause: %s\n", e.Thesis.RootCause)
		if len(e.Thesis.ProposedConditions) > 0 {
			fmt.Fprintf(ui.Out, "  conditions: %s\n", strings.Join(e.Thesis.ProposedConditions, "; "))
		}
	case e.Antithesis != nil:
		if len(e.Antithesis.Concerns) > 0 {
			fmt.Fprintf(ui.Out, "  concerns: %s\n", strings.Join(e.Antithesis.Concerns, "; "))
		}
		for name, v := range e.Antithesis.ObservedMetrics {
			fmt.Fprintf(ui.Out, "  metric %s = %s\n", name, strconv.FormatFloat(v, 'f', 2, 64))
		}
	case e.Synthesis != nil:
		agrees := "undecided"
		if e.Synthesis.Agrees != nil {
			agrees = strconv.FormatBool(*e.Synthesis.Agrees)
		}
		fmt.Fprintf(ui.Out, "  agrees: %s\n", agrees)
		if len(e.Synthesis.ProposedConditions) > 0 {
			fmt.Fprintf(ui.Out, "  conditions: %s\n", strings.Join(e.Synthesis.ProposedConditions, "; "))
		}
	}
	if e.Note != "" {
		fmt.Fprintf(ui.Out, "  note: %s\n", e.Note)
	}
}

func sessionCleanupRun(ctx context.Context) error {
	svc, _, err := newService(slog.Default())
	if err != nil {
		return err
	}

	n, err := svc.CleanupStaleSessions(ctx)
	if err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}

	if n == 0 {
		ui.Info("No stale sessions")
	} else {
		ui.Success("Failed %d stale session(s)", n)
	}
	return nil
}
