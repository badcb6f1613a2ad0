package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-sh/jeeves/internal/api"
)

func credsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage provider credentials",
	}
	cmd.AddCommand(credsPutCmd())
	cmd.AddCommand(credsDeleteCmd())
	cmd.AddCommand(credsStatusCmd())
	return cmd
}

func credsPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <provider>",
		Short: "Store a provider token read from stdin",
		Long: `Store a provider token. The token is read from stdin rather than argv so
it never lands in shell history or process listings:

  jeeves creds put claude < token.txt

Status output reports only that a token exists; the value is write-only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin())
			if err != nil {
				return err
			}

			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			resp, err := eng.svc.PutCredentials(api.PutCredentialsRequest{
				Provider: args[0],
				Token:    token,
			})
			if err != nil {
				return err
			}
			fmt.Printf("stored credential for %s\n", resp.Credential.Provider)
			return nil
		},
	}
}

// readToken takes the first non-empty line from r, trimmed.
func readToken(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", errors.New("no token on stdin")
}

func credsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a stored provider token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			resp, err := eng.svc.DeleteCredentials(api.DeleteCredentialsRequest{Provider: args[0]})
			if err != nil {
				return err
			}
			if resp.Deleted {
				fmt.Printf("deleted credential for %s\n", args[0])
			} else {
				fmt.Printf("no credential stored for %s\n", args[0])
			}
			return nil
		},
	}
}

func credsStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which providers have stored tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			statuses, err := eng.svc.CredentialStatuses()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(statuses)
			}
			if len(statuses) == 0 {
				fmt.Println("no credentials stored")
				return nil
			}
			for _, c := range statuses {
				line := fmt.Sprintf("%-10s token=%t", c.Provider, c.HasToken)
				if c.LastSavedAt != nil {
					line += " saved=" + c.LastSavedAt.Format(time.RFC3339)
				}
				if c.LastSync != nil {
					line += " synced=" + c.LastSync.Format(time.RFC3339)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}
