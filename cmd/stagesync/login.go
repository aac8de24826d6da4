package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/stagesync/internal/creds"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the sync server",
	Long: `Login stores the account credentials used for sync operations.
A new account is registered automatically when the server does not
know the user yet.`,
	Example: `  stagesync login --account google --user user@example.com
  stagesync login --account google --user user@example.com --token abc123`,
	RunE: runLogin,
}

var (
	loginAccount string
	loginUser    string
	loginToken   string
)

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringVarP(&loginAccount, "account", "a", "",
		"Account type (required)")
	loginCmd.Flags().StringVarP(&loginUser, "user", "u", "",
		"User identifier (required)")
	loginCmd.Flags().StringVarP(&loginToken, "token", "t", "",
		"Access token (will prompt if not provided)")

	_ = loginCmd.MarkFlagRequired("account")
	_ = loginCmd.MarkFlagRequired("user")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if loginToken == "" {
		var err error
		loginToken, err = promptSecret("Access token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	}

	cr := creds.Credentials{
		AccountType: loginAccount,
		UserID:      loginUser,
		Token:       loginToken,
	}

	if err := apiClient.SignIn(ctx, cr); err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		} else {
			printError("Login failed: %v", err)
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"user":    loginUser,
		})
	} else {
		printSuccess("Signed in as %s", loginUser)
	}
	return nil
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}
	return string(secret), nil
}
