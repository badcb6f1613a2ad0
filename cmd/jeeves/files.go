package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeeves-sh/jeeves/internal/api"
)

func filesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Manage files projected into issue worktrees",
	}
	cmd.AddCommand(filesUpsertCmd())
	cmd.AddCommand(filesDeleteCmd())
	cmd.AddCommand(filesReconcileCmd())
	cmd.AddCommand(filesListCmd())
	cmd.AddCommand(filesStatusCmd())
	return cmd
}

func filesUpsertCmd() *cobra.Command {
	var (
		repo       string
		id         int64
		name       string
		targetPath string
	)

	cmd := &cobra.Command{
		Use:   "upsert <source-file>",
		Short: "Store a file and project it into the worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if targetPath == "" {
				targetPath = filepath.Base(args[0])
			}

			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			resp, err := eng.svc.UpsertProjectFile(api.UpsertProjectFileRequest{
				Repo:        repo,
				ID:          id,
				DisplayName: name,
				TargetPath:  targetPath,
				Content:     content,
			})
			if err != nil {
				return err
			}
			f := resp.File
			fmt.Printf("file %d: %s -> %s (%d bytes)\n", f.ID, f.DisplayName, f.TargetPath, f.SizeBytes)
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "owner/repo (default active issue's)")
	cmd.Flags().Int64Var(&id, "id", 0, "file id to update (default create)")
	cmd.Flags().StringVar(&name, "name", "", "display name (default target path)")
	cmd.Flags().StringVar(&targetPath, "target", "", "path inside the worktree (default source basename)")
	return cmd
}

func filesDeleteCmd() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a managed file and its blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid file id %q", args[0])
			}

			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			resp, err := eng.svc.DeleteProjectFile(api.DeleteProjectFileRequest{Repo: repo, ID: id})
			if err != nil {
				return err
			}
			fmt.Printf("deleted file %d\n", resp.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "owner/repo (default active issue's)")
	return cmd
}

func filesReconcileCmd() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Project all managed files into the active worktree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			resp, err := eng.svc.ReconcileProjectFiles(api.ReconcileProjectFilesRequest{Repo: repo})
			if err != nil {
				return err
			}
			res := resp.Result
			fmt.Printf("reconcile: %s (%d files)\n", res.Status, len(res.Files))
			for _, f := range res.Files {
				if f.LastError != "" {
					fmt.Printf("  %-12s %s (%s)\n", f.Status, f.TargetPath, f.LastError)
					continue
				}
				fmt.Printf("  %-12s %s\n", f.Status, f.TargetPath)
			}
			for _, p := range res.StaleRemoved {
				fmt.Printf("  removed      %s\n", p)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "owner/repo (default active issue's)")
	return cmd
}

func filesListCmd() *cobra.Command {
	var (
		repo   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List managed files for a repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			files, err := eng.svc.ListProjectFiles(repo)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(files)
			}
			if len(files) == 0 {
				fmt.Println("no managed files")
				return nil
			}
			for _, f := range files {
				fmt.Printf("%4d  %-24s %-32s %d bytes\n", f.ID, f.DisplayName, f.TargetPath, f.SizeBytes)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "owner/repo (default active issue's)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func filesStatusCmd() *cobra.Command {
	var (
		repo   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-file sync status from the last reconcile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			statuses, err := eng.svc.FileStatuses(repo)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(statuses)
			}
			if len(statuses) == 0 {
				fmt.Println("no managed files")
				return nil
			}
			for _, f := range statuses {
				if f.LastError != "" {
					fmt.Printf("%4d  %-12s %s (%s)\n", f.ID, f.Status, f.TargetPath, f.LastError)
					continue
				}
				fmt.Printf("%4d  %-12s %s\n", f.ID, f.Status, f.TargetPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "owner/repo (default active issue's)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}
