package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arbiter-ai/arbiter/internal/dialectic"
	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/output"
)

var (
	reviewReason      string
	reviewDiscoveryID string
	reviewDisputeType string

	submitAgentID    string
	submitAPIKey     string
	submitRootCause  string
	submitConditions string
	submitReasoning  string
	submitConcerns   string
	submitMetrics    string
	submitAgrees     string

	finalizeSigA string
	finalizeSigB string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Run the dialectic recovery workflow",
}

var reviewRequestCmd = &cobra.Command{
	Use:   "request <paused-agent-id>",
	Short: "Open a recovery session for a paused agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewRequestRun(cmd.Context(), args[0])
	},
}

var reviewThesisCmd = &cobra.Command{
	Use:   "thesis <session-id>",
	Short: "Submit the paused agent's thesis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewThesisRun(cmd.Context(), args[0])
	},
}

var reviewAntithesisCmd = &cobra.Command{
	Use:   "antithesis <session-id>",
	Short: "Submit the reviewer's antithesis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewAntithesisRun(cmd.Context(), args[0])
	},
}

var reviewSynthesisCmd = &cobra.Command{
	Use:   "synthesis <session-id>",
	Short: "Submit a synthesis proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewSynthesisRun(cmd.Context(), args[0])
	},
}

var reviewHashCmd = &cobra.Command{
	Use:   "hash <session-id>",
	Short: "Print the pending resolution's content hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewHashRun(cmd.Context(), args[0])
	},
}

var reviewSignCmd = &cobra.Command{
	Use:   "sign <content-hash>",
	Short: "Sign a content hash with this agent's API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if submitAPIKey == "" {
			return fmt.Errorf("--api-key is required")
		}
		fmt.Fprintln(ui.Out, dialectic.Sign(submitAPIKey, args[0]))
		return nil
	},
}

var reviewFinalizeCmd = &cobra.Command{
	Use:   "finalize <session-id>",
	Short: "Finalize a converged session with both signatures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewFinalizeRun(cmd.Context(), args[0])
	},
}

func init() {
	reviewRequestCmd.Flags().StringVar(&reviewReason, "reason", "", "Why the agent was paused")
	reviewRequestCmd.Flags().StringVar(&reviewDiscoveryID, "discovery", "", "Disputed finding ID")
	reviewRequestCmd.Flags().StringVar(&reviewDisputeType, "dispute-type", "", "verification or correction")

	for _, c := range []*cobra.Command{reviewThesisCmd, reviewAntithesisCmd, reviewSynthesisCmd} {
		c.Flags().StringVar(&submitAgentID, "agent", "", "Submitting agent ID")
		c.Flags().StringVar(&submitAPIKey, "api-key", "", "Submitting agent's API key")
		c.Flags().StringVar(&submitReasoning, "reasoning", "", "Supporting reasoning")
		_ = c.MarkFlagRequired("agent")
		_ = c.MarkFlagRequired("api-key")
	}
	reviewThesisCmd.Flags().StringVar(&submitRootCause, "root-cause", "", "Root-cause analysis")
	reviewThesisCmd.Flags().StringVar(&submitConditions, "conditions", "", "Comma-separated resumption conditions")
	reviewAntithesisCmd.Flags().StringVar(&submitConcerns, "concerns", "", "Comma-separated concerns")
	reviewAntithesisCmd.Flags().StringVar(&submitMetrics, "metrics", "", "JSON object of observed metrics")
	reviewSynthesisCmd.Flags().StringVar(&submitRootCause, "root-cause", "", "Revised root cause")
	reviewSynthesisCmd.Flags().StringVar(&submitConditions, "conditions", "", "Comma-separated merged conditions")
	reviewSynthesisCmd.Flags().StringVar(&submitAgrees, "agrees", "", "true or false")

	reviewSignCmd.Flags().StringVar(&submitAPIKey, "api-key", "", "Signing agent's API key")

	reviewFinalizeCmd.Flags().StringVar(&finalizeSigA, "sig-a", "", "Paused agent's signature")
	reviewFinalizeCmd.Flags().StringVar(&finalizeSigB, "sig-b", "", "Reviewer's signature")
	_ = reviewFinalizeCmd.MarkFlagRequired("sig-a")
	_ = reviewFinalizeCmd.MarkFlagRequired("sig-b")

	reviewCmd.AddCommand(reviewRequestCmd)
	reviewCmd.AddCommand(reviewThesisCmd)
	reviewCmd.AddCommand(reviewAntithesisCmd)
	reviewCmd.AddCommand(reviewSynthesisCmd)
	reviewCmd.AddCommand(reviewHashCmd)
	reviewCmd.AddCommand(reviewSignCmd)
	reviewCmd.AddCommand(reviewFinalizeCmd)
	rootCmd.AddCommand(reviewCmd)
}

func splitConditions(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func reviewRequestRun(ctx context.Context, pausedAgentID string) error {
	svc, _, err := newService(slog.Default())
	if err != nil {
		return err
	}

	sess, err := svc.RequestReview(ctx, pausedAgentID, reviewReason, reviewDiscoveryID, models.DisputeType(reviewDisputeType))
	if err != nil {
		return fmt.Errorf("request review: %w", err)
	}

	ui.Success("Opened session %s", sess.ID)
	ui.Info("Reviewer: %s", sess.ReviewerAgentID)
	ui.Info("Phase:    %s", output.PhaseColor(string(sess.Phase)))
	return nil
}

func reviewThesisRun(ctx context.Context, sessionID string) error {
	svc, _, err := newService(slog.Default())
	if err != nil {
		return err
	}

	sess, err := svc.SubmitThesis(ctx, sessionID, submitAgentID, submitAPIKey, models.ThesisMessage{
		RootCause:          submitRootCause,
		ProposedConditions: splitConditions(submitConditions),
		Reasoning:          submitReasoning,
	})
	if err != nil {
		return fmt.Errorf("submit thesis: %w", err)
	}

	ui.Success("Thesis recorded; session is now %s", output.PhaseColor(string(sess.Phase)))
	return nil
}

func reviewAntithesisRun(ctx context.Context, sessionID string) error {
	svc, _, err := newService(slog.Default())
	if err != nil {
		return err
	}

	var metrics map[string]float64
	if submitMetrics != "" {
		if err := json.Unmarshal([]byte(submitMetrics), &metrics); err != nil {
			return fmt.Errorf("parse --metrics: %w", err)
		}
	}

	sess, err := svc.SubmitAntithesis(ctx, sessionID, submitAgentID, submitAPIKey, models.AntithesisMessage{
		ObservedMetrics: metrics,
		Concerns:        splitConditions(submitConcerns),
		Reasoning:       submitReasoning,
	})
	if err != nil {
		return fmt.Errorf("submit antithesis: %w", err)
	}

	ui.Success("Antithesis recorded; session is now %s", output.PhaseColor(string(sess.Phase)))
	return nil
}

func reviewSynthesisRun(ctx context.Context, sessionID string) error {
	svc, _, err := newService(slog.Default())
	if err != nil {
		return err
	}

	var agrees *bool
	switch submitAgrees {
	case "true":
		v := true
		agrees = &v
	case "false":
		v := false
		agrees = &v
	case "":
	default:
		return fmt.Errorf("--agrees must be true or false")
	}

	result, err := svc.SubmitSynthesis(ctx, sessionID, submitAgentID, submitAPIKey, models.SynthesisMessage{
		ProposedConditions: splitConditions(submitConditions),
		RootCause:          submitRootCause,
		Reasoning:          submitReasoning,
		Agrees:             agrees,
	})
	if err != nil {
		return fmt.Errorf("submit synthesis: %w", err)
	}

	switch {
	case result.Converged:
		ui.Success("Session converged; both parties may now sign and finalize")
	case result.Escalated:
		ui.Warning("Session escalated to human review after %d rounds", result.Session.SynthesisRound)
	default:
		ui.Info("Synthesis recorded; round %d/%d", result.Session.SynthesisRound, result.Session.MaxSynthesisRounds)
	}
	return nil
}

func reviewHashRun(ctx context.Context, sessionID string) error {
	svc, _, err := newService(slog.Default())
	if err != nil {
		return err
	}

	hash, err := svc.PendingContentHash(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("content hash: %w", err)
	}
	fmt.Fprintln(ui.Out, hash)
	return nil
}

func reviewFinalizeRun(ctx context.Context, sessionID string) error {
	svc, _, err := newService(slog.Default())
	if err != nil {
		return err
	}

	resolution, execResult, err := svc.Finalize(ctx, sessionID, finalizeSigA, finalizeSigB)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}

	ui.Success("Session resolved: %s", string(resolution.Action))
	for _, c := range resolution.Conditions {
		ui.Info("condition: %s", c)
	}
	if execResult.Warning != "" {
		ui.Warning("%s", execResult.Warning)
	}
	if execResult.StatusChanged {
		ui.Info("Agent status is now %s", output.StatusColor(string(execResult.NewStatus)))
	}
	return nil
}
