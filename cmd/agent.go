package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/output"
	"github.com/arbiter-ai/arbiter/internal/store"
)

var (
	agentTags      string
	agentReason    string
	agentCoherence float64
	agentAttention float64
	agentVoid      bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage registered agents",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a new agent and print its API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentRegisterRun(cmd.Context(), args[0])
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentListRun(cmd.Context())
	},
}

var agentShowCmd = &cobra.Command{
	Use:   "show <id-or-name>",
	Short: "Show agent details and recent sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentShowRun(cmd.Context(), args[0])
	},
}

var agentPauseCmd = &cobra.Command{
	Use:   "pause <id-or-name>",
	Short: "Mark an agent as paused by the circuit breaker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentSetStatusRun(cmd.Context(), args[0], models.AgentStatusPaused, agentReason)
	},
}

var agentResumeCmd = &cobra.Command{
	Use:   "resume <id-or-name>",
	Short: "Manually return an agent to active (operator override)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentSetStatusRun(cmd.Context(), args[0], models.AgentStatusActive, agentReason)
	},
}

var agentRetireCmd = &cobra.Command{
	Use:   "retire <id-or-name>",
	Short: "Retire an agent from the reviewer pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentSetStatusRun(cmd.Context(), args[0], models.AgentStatusRetired, agentReason)
	},
}

var agentHealthCmd = &cobra.Command{
	Use:   "health <id-or-name>",
	Short: "Record a health snapshot for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentHealthRun(cmd.Context(), args[0])
	},
}

func init() {
	agentRegisterCmd.Flags().StringVar(&agentTags, "tags", "", "Comma-separated task domain tags")
	agentPauseCmd.Flags().StringVar(&agentReason, "reason", "", "Why the agent is being paused")
	agentResumeCmd.Flags().StringVar(&agentReason, "reason", "", "Operator note")
	agentRetireCmd.Flags().StringVar(&agentReason, "reason", "", "Operator note")
	agentHealthCmd.Flags().Float64Var(&agentCoherence, "coherence", 1.0, "Coherence metric in [0,1]")
	agentHealthCmd.Flags().Float64Var(&agentAttention, "attention", 0.0, "Attention score in [0,1]")
	agentHealthCmd.Flags().BoolVar(&agentVoid, "void", false, "Void/instability flag")

	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentShowCmd)
	agentCmd.AddCommand(agentPauseCmd)
	agentCmd.AddCommand(agentResumeCmd)
	agentCmd.AddCommand(agentRetireCmd)
	agentCmd.AddCommand(agentHealthCmd)
	rootCmd.AddCommand(agentCmd)
}

// resolveAgent looks up an agent by exact ID first, then by name.
func resolveAgent(ctx context.Context, s store.Store, ref string) (*models.Agent, error) {
	a, err := s.GetAgent(ctx, ref)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	a, err = s.GetAgentByName(ctx, ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("agent not found: %s", ref)
		}
		return nil, err
	}
	return a, nil
}

func agentRegisterRun(ctx context.Context, name string) error {
	reg, _, err := newRegistry()
	if err != nil {
		return err
	}

	var tags []string
	for _, t := range strings.Split(agentTags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	agent, apiKey, err := reg.Register(ctx, name, tags)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	ui.Success("Registered agent %s (%s)", agent.Name, agent.ID)
	ui.Warning("API key (shown once, store it now): %s", apiKey)
	return nil
}

func agentListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	if len(agents) == 0 {
		ui.Info("No agents registered")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Status", "Coherence", "Attention", "Reviews"})
	for _, a := range agents {
		table.Append([]string{
			a.ID,
			a.Name,
			output.StatusColor(string(a.Status)),
			strconv.FormatFloat(a.Health.Coherence, 'f', 2, 64),
			strconv.FormatFloat(a.Health.AttentionScore, 'f', 2, 64),
			fmt.Sprintf("%d/%d", a.Reputation.SuccessfulReviews, a.Reputation.TotalReviews),
		})
	}
	table.Render()
	return nil
}

func agentShowRun(ctx context.Context, ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	a, err := resolveAgent(ctx, s, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Agent:      %s (%s)\n", a.Name, a.ID)
	fmt.Fprintf(ui.Out, "Status:     %s\n", output.StatusColor(string(a.Status)))
	if a.StatusNote != "" {
		fmt.Fprintf(ui.Out, "Note:       %s\n", a.StatusNote)
	}
	fmt.Fprintf(ui.Out, "Tags:       %s\n", strings.Join(a.Tags, ", "))
	fmt.Fprintf(ui.Out, "Coherence:  %.2f\n", a.Health.Coherence)
	fmt.Fprintf(ui.Out, "Attention:  %.2f\n", a.Health.AttentionScore)
	fmt.Fprintf(ui.Out, "Void:       %t\n", a.Health.VoidActive)
	fmt.Fprintf(ui.Out, "Reviews:    %d successful / %d total\n",
		a.Reputation.SuccessfulReviews, a.Reputation.TotalReviews)
	fmt.Fprintf(ui.Out, "Registered: %s\n", a.CreatedAt.Format(time.RFC3339))

	sessions, err := s.ListSessionsByAgent(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Session", "Role", "Phase", "Round", "Last Active"})
	for _, sess := range sessions {
		role := "reviewer"
		if sess.PausedAgentID == a.ID {
			role = "paused"
		}
		table.Append([]string{
			sess.ID,
			role,
			output.PhaseColor(string(sess.Phase)),
			strconv.Itoa(sess.SynthesisRound),
			sess.LastActiveAt.Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}

func agentSetStatusRun(ctx context.Context, ref string, status models.AgentStatus, note string) error {
	reg, s, err := newRegistry()
	if err != nil {
		return err
	}

	a, err := resolveAgent(ctx, s, ref)
	if err != nil {
		return err
	}

	if err := reg.SetLifecycleStatus(ctx, a.ID, status, note); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	ui.Success("Agent %s is now %s", a.Name, status)
	return nil
}

func agentHealthRun(ctx context.Context, ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	a, err := resolveAgent(ctx, s, ref)
	if err != nil {
		return err
	}

	a.Health = models.HealthSnapshot{
		Coherence:      agentCoherence,
		AttentionScore: agentAttention,
		VoidActive:     agentVoid,
	}
	if err := s.UpdateAgent(ctx, a); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}

	ui.Success("Recorded health for %s: coherence=%.2f attention=%.2f void=%t",
		a.Name, agentCoherence, agentAttention, agentVoid)
	return nil
}
