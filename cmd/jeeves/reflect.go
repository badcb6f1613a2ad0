package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeeves-sh/jeeves/internal/api"
	"github.com/jeeves-sh/jeeves/internal/lifecycle"
	"github.com/jeeves-sh/jeeves/internal/model"
)

// reflectionMemoryKey is where the latest reflection snapshot lives in the
// issue's working-set memory. Each reflect call loads it as the previous
// snapshot and overwrites it on success.
const reflectionMemoryKey = "reflection"

func reflectCmd() *cobra.Command {
	var (
		providerName string
		modelName    string
	)

	cmd := &cobra.Command{
		Use:   "reflect",
		Short: "Condense the active issue's trajectory into a working-state snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			in, stateDir, err := buildReflectInput(eng, providerName, modelName)
			if err != nil {
				return err
			}
			ref, err := eng.core.Reflect(cmd.Context(), *in)
			if err != nil {
				return err
			}
			err = eng.store.UpsertMemory(stateDir, model.MemoryEntry{
				Scope: model.MemoryWorkingSet,
				Key:   reflectionMemoryKey,
				Value: ref,
			})
			if err != nil {
				eng.logger.Warn("persist reflection failed", "err", err)
			}
			return printJSON(ref)
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "provider override")
	cmd.Flags().StringVar(&modelName, "model", "", "model override")
	return cmd
}

// buildReflectInput gathers the objective, memory, tasks, and previous
// snapshot for the active issue. The stored reflection entry itself is kept
// out of the memory list so the snapshot is not fed in twice.
func buildReflectInput(eng *engine, providerName, modelName string) (*lifecycle.ReflectInput, string, error) {
	snap, err := eng.svc.State()
	if err != nil {
		return nil, "", err
	}
	if snap.ActiveIssue == "" || snap.Issue == nil {
		return nil, "", lifecycle.ErrNoActiveIssue
	}
	stateDir := snap.Paths.StateDir

	objective := snap.Issue.SummaryExpanded
	if objective == "" {
		objective = snap.Issue.IssueTitle
	}
	if objective == "" {
		objective = snap.ActiveIssue
	}

	entries, err := eng.store.ListMemory(stateDir, "", false)
	if err != nil {
		return nil, "", err
	}
	in := &lifecycle.ReflectInput{
		Objective: objective,
		Provider:  providerName,
		Model:     modelName,
	}
	for _, e := range entries {
		if e.Scope == model.MemoryWorkingSet && e.Key == reflectionMemoryKey {
			in.Snapshot = decodeReflection(e.Value)
			continue
		}
		in.Memory = append(in.Memory, e)
	}
	if snap.Tasks != nil {
		in.Tasks = snap.Tasks.Tasks
	}
	return in, stateDir, nil
}

// decodeReflection round-trips a stored memory value into a Reflection.
// Memory values come back from the store as generic JSON.
func decodeReflection(v any) *lifecycle.Reflection {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var r lifecycle.Reflection
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return &r
}

func expandCmd() *cobra.Command {
	var (
		providerName string
		modelName    string
	)

	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Expand the active issue's title into a working summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			resp, err := eng.svc.ExpandIssueSummary(cmd.Context(), api.ExpandIssueSummaryRequest{
				Provider: providerName,
				Model:    modelName,
			})
			if err != nil {
				return err
			}
			fmt.Println(resp.Summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "provider override")
	cmd.Flags().StringVar(&modelName, "model", "", "model override")
	return cmd
}
