package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/genqueue/pkg/audit"
	"github.com/pario-ai/genqueue/pkg/models"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the interaction log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(),
		newAuditShowCmd(),
		newAuditStatsCmd(),
		newAuditCleanupCmd(),
	)
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		configPath   string
		conversation string
		source       string
		outcome      string
		since        string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search recorded interactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.InteractionQueryOpts{
				ConversationID: conversation,
				Source:         source,
				Outcome:        outcome,
				Limit:          limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			ias, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatInteractions(ias))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to genqueue config file")
	cmd.Flags().StringVar(&conversation, "conversation", "", "filter by conversation ID")
	cmd.Flags().StringVar(&source, "source", "", "filter by source tag")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (success, provider_error, cancelled)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")

	return cmd
}

func newAuditShowCmd() *cobra.Command {
	var (
		configPath string
		requestID  string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a single interaction by request ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" {
				return fmt.Errorf("--request-id is required")
			}

			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ias, err := l.Query(context.Background(), models.InteractionQueryOpts{
				RequestID: requestID,
				Limit:     1,
			})
			if err != nil {
				return err
			}
			if len(ias) == 0 {
				fmt.Println("No interaction found for that request ID.")
				return nil
			}
			fmt.Print(formatInteraction(ias[0]))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to genqueue config file")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request ID to show")

	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show interaction counts by source, outcome and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatInteractionStats(stats))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to genqueue config file")
	return cmd
}

func newAuditCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete interactions older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d interactions.\n", deleted)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to genqueue config file")
	return cmd
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	l, err := audit.New(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatInteractions(ias []models.Interaction) string {
	if len(ias) == 0 {
		return "No interactions found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-14s %4s %-15s %8s %8s %6s %-20s\n",
		"REQUEST ID", "SOURCE", "PRI", "OUTCOME", "WAIT", "LATENCY", "CHARS", "TIME")
	b.WriteString(strings.Repeat("-", 120) + "\n")
	for _, ia := range ias {
		fmt.Fprintf(&b, "%-38s %-14s %4d %-15s %6dms %6dms %6d %-20s\n",
			ia.Request.RequestID, ia.Request.Source, ia.Request.Priority, ia.Response.Outcome,
			ia.Response.WaitMs, ia.Response.LatencyMs, ia.Response.Chars,
			ia.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatInteraction(ia models.Interaction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request ID:    %s\n", ia.Request.RequestID)
	fmt.Fprintf(&b, "Conversation:  %s\n", ia.ConversationID)
	fmt.Fprintf(&b, "Source:        %s\n", ia.Request.Source)
	fmt.Fprintf(&b, "Priority:      %d\n", ia.Request.Priority)
	fmt.Fprintf(&b, "Model:         %s\n", ia.Request.Model)
	fmt.Fprintf(&b, "Provider:      %s\n", ia.Request.Provider)
	fmt.Fprintf(&b, "Outcome:       %s\n", ia.Response.Outcome)
	fmt.Fprintf(&b, "Wait:          %dms\n", ia.Response.WaitMs)
	fmt.Fprintf(&b, "Latency:       %dms\n", ia.Response.LatencyMs)
	fmt.Fprintf(&b, "Time:          %s\n", ia.CreatedAt.Format(time.RFC3339))
	if ia.ErrorText != "" {
		fmt.Fprintf(&b, "Error:         %s\n", ia.ErrorText)
	}
	if len(ia.Transcript) > 0 {
		b.WriteString("\n--- Transcript ---\n")
		for _, t := range ia.Transcript {
			fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Content)
		}
	}
	if ia.ResultText != "" {
		fmt.Fprintf(&b, "\n--- Response ---\n%s\n", ia.ResultText)
	}
	return b.String()
}

func formatInteractionStats(stats []models.InteractionStat) string {
	if len(stats) == 0 {
		return "No interaction stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-15s %-12s %8s\n", "SOURCE", "OUTCOME", "DAY", "COUNT")
	b.WriteString(strings.Repeat("-", 58) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-20s %-15s %-12s %8d\n", s.Source, s.Outcome, s.Day, s.Count)
	}
	return b.String()
}
