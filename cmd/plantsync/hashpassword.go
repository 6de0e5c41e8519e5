package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/alexjbarnes/plantsync/internal/auth"
	"github.com/spf13/cobra"
)

// NewHashPasswordCommand prints a bcrypt hash for MCP_AUTH_USERS.
func NewHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")

			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				return fmt.Errorf("no input")
			}

			password := strings.TrimRight(scanner.Text(), "\r")
			if password == "" {
				return fmt.Errorf("empty password")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}
}
