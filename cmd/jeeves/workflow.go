package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-sh/jeeves/internal/workflow"
)

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Store and lint workflow definitions",
	}
	cmd.AddCommand(workflowPutCmd())
	cmd.AddCommand(workflowListCmd())
	cmd.AddCommand(workflowLintCmd())
	return cmd
}

func workflowPutCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "put <file.yaml>",
		Short: "Validate a workflow file and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			wf, diags, err := workflow.Parse(b)
			printDiagnostics(os.Stderr, diags)
			if err != nil {
				return err
			}
			if name == "" {
				name = wf.Name
			}

			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.store.PutWorkflow(name, string(b)); err != nil {
				return err
			}
			fmt.Printf("workflow %s stored (%d phases)\n", name, len(wf.Phases))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "store under this name (default the workflow's own)")
	return cmd
}

func workflowListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			docs, err := eng.store.ListWorkflows()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(docs)
			}
			for _, d := range docs {
				fmt.Printf("%-20s updated %s\n", d.Name, d.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func workflowLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <file.yaml>",
		Short: "Check a workflow file without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			_, diags, perr := workflow.Parse(b)
			printDiagnostics(os.Stdout, diags)
			if perr != nil {
				return perr
			}
			fmt.Printf("ok: %s\n", filepath.Base(args[0]))
			return nil
		},
	}
}

func printDiagnostics(w io.Writer, diags []workflow.Diagnostic) {
	for _, d := range diags {
		if d.Phase != "" {
			fmt.Fprintf(w, "%s: phase %s: %s (%s)\n", d.Severity, d.Phase, d.Message, d.Rule)
			continue
		}
		fmt.Fprintf(w, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
	}
}
