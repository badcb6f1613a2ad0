package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeeves-sh/jeeves/internal/api"
)

func issueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "List, select, and initialize issues",
	}
	cmd.AddCommand(issueListCmd())
	cmd.AddCommand(issueSelectCmd())
	cmd.AddCommand(issueInitCmd())
	cmd.AddCommand(issueSetPhaseCmd())
	cmd.AddCommand(issueStatusCmd())
	return cmd
}

func issueListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			resp, err := eng.svc.ListIssues(api.ListIssuesRequest{})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(resp)
			}
			if len(resp.Issues) == 0 {
				fmt.Println("no issues")
				return nil
			}
			for _, is := range resp.Issues {
				marker := " "
				if is.Ref.String() == resp.ActiveIssue {
					marker = "*"
				}
				fmt.Printf("%s %-24s %-12s %-10s %s\n", marker, is.Ref, is.Phase, is.Workflow, is.Title)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func issueSelectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select <owner/repo#n>",
		Short: "Make an issue the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			resp, err := eng.svc.SelectIssue(api.SelectIssueRequest{Issue: args[0]})
			if err != nil {
				return err
			}
			fmt.Printf("active issue: %s\n", resp.Issue)
			return nil
		},
	}
}

func issueInitCmd() *cobra.Command {
	var (
		workflowName string
		branch       string
		title        string
	)

	cmd := &cobra.Command{
		Use:   "init <owner/repo#n>",
		Short: "Prepare an issue's worktree and state, then select it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			resp, err := eng.svc.InitIssue(api.InitIssueRequest{
				Issue:    args[0],
				Workflow: workflowName,
				Branch:   branch,
				Title:    title,
			})
			if err != nil {
				return err
			}
			fmt.Printf("initialized %s\n", resp.Issue.Ref())
			fmt.Printf("  workflow:  %s\n", resp.Issue.Workflow)
			fmt.Printf("  phase:     %s\n", resp.Issue.Phase)
			fmt.Printf("  branch:    %s\n", resp.Issue.Branch)
			fmt.Printf("  state dir: %s\n", resp.StateDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowName, "workflow", "", "workflow name (default from config)")
	cmd.Flags().StringVar(&branch, "branch", "", "branch name (default jeeves/issue-<n>)")
	cmd.Flags().StringVar(&title, "title", "", "issue title")
	return cmd
}

func issueSetPhaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-phase <phase>",
		Short: "Jump the active issue to a workflow phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			resp, err := eng.svc.SetPhase(api.SetPhaseRequest{Phase: args[0]})
			if err != nil {
				return err
			}
			fmt.Printf("phase: %s\n", resp.Issue.Phase)
			return nil
		},
	}
}

func issueStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active issue and its run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			snap, err := eng.svc.State()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(snap)
			}
			if snap.ActiveIssue == "" {
				fmt.Println("no active issue")
				return nil
			}
			fmt.Printf("issue=%s\n", snap.ActiveIssue)
			if snap.Issue != nil {
				fmt.Printf("phase=%s\n", snap.Issue.Phase)
				fmt.Printf("workflow=%s\n", snap.Issue.Workflow)
				fmt.Printf("branch=%s\n", snap.Issue.Branch)
			}
			fmt.Printf("state_dir=%s\n", snap.Paths.StateDir)
			if snap.Run != nil {
				fmt.Printf("run=%s running=%t\n", snap.Run.RunID, snap.Run.Running)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}
