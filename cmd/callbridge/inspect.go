package main

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/voicewire/callbridge/internal/agentspec"
	"github.com/voicewire/callbridge/internal/callog"
	"github.com/voicewire/callbridge/internal/config"
)

// runAgentsList handles the agents list command.
func runAgentsList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := agentspec.NewStore(cfg.Agents.Dir, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}
	defer store.Close()

	ids := store.IDs()
	sort.Strings(ids)
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No agents found.")
		return nil
	}
	fmt.Fprintln(out, "Agents:")
	for _, id := range ids {
		spec, ok := store.Get(id)
		if !ok {
			continue
		}
		marker := ""
		if id == cfg.Agents.DefaultAgentID {
			marker = " (default)"
		}
		fmt.Fprintf(out, "  - %s%s\n", id, marker)
		if spec.Voice != "" {
			fmt.Fprintf(out, "    Voice: %s\n", spec.Voice)
		}
		if spec.WebhookURL != "" {
			fmt.Fprintf(out, "    Webhook: %s\n", spec.WebhookURL)
		}
		if spec.ConfirmEndCall {
			fmt.Fprintln(out, "    Confirm end_call: yes")
		}
	}
	return nil
}

// runCallsRecent handles the calls recent command.
func runCallsRecent(cmd *cobra.Command, configPath string, limit int) error {
	store, err := openHistory(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No archived calls.")
		return nil
	}
	fmt.Fprintln(out, "Recent calls:")
	for _, r := range records {
		ended := time.UnixMilli(r.EndTimestamp).Format(time.RFC3339)
		fmt.Fprintf(out, "  %s  %s  %s/%s  agent=%s  %s  %s\n",
			ended, r.CallID, r.CallType, r.Direction, r.AgentID,
			r.Duration().Round(time.Second), r.DisconnectionReason)
	}
	return nil
}

// runCallsShow handles the calls show command.
func runCallsShow(cmd *cobra.Command, configPath, callID string) error {
	store, err := openHistory(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.Get(cmd.Context(), callID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Call: %s\n", r.CallID)
	fmt.Fprintf(out, "Agent:     %s\n", r.AgentID)
	fmt.Fprintf(out, "Type:      %s (%s)\n", r.CallType, r.Direction)
	if r.FromNumber != "" || r.ToNumber != "" {
		fmt.Fprintf(out, "Numbers:   %s -> %s\n", r.FromNumber, r.ToNumber)
	}
	fmt.Fprintf(out, "Started:   %s\n", time.UnixMilli(r.StartTimestamp).Format(time.RFC3339))
	fmt.Fprintf(out, "Ended:     %s (%s)\n", time.UnixMilli(r.EndTimestamp).Format(time.RFC3339), r.Duration().Round(time.Second))
	fmt.Fprintf(out, "Reason:    %s\n", r.DisconnectionReason)
	if r.Transcript != "" {
		fmt.Fprintln(out, "\nTranscript:")
		fmt.Fprintln(out, r.Transcript)
	}
	return nil
}

func openHistory(configPath string) (*callog.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.CallLog.Path == "" {
		return nil, fmt.Errorf("call_log.path is not configured")
	}
	return callog.Open(callog.Config{Path: cfg.CallLog.Path, Logger: slog.Default()})
}
