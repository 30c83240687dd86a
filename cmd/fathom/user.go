package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"fathom/internal/secrets"
)

var userRole string

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage operator accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create an operator account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := userStore()
		if err != nil {
			return err
		}
		username := args[0]
		if store.HasUser(username) {
			return fmt.Errorf("user %q already exists", username)
		}
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword("Confirm: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return errors.New("passwords do not match")
		}
		if _, err := store.CreateUser(username, password, userRole); err != nil {
			return err
		}
		fmt.Printf("Created %s (%s).\n", username, userRole)
		return nil
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <username>",
	Short: "Change an account password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := userStore()
		if err != nil {
			return err
		}
		current, err := readPassword("Current password: ")
		if err != nil {
			return err
		}
		next, err := readPassword("New password: ")
		if err != nil {
			return err
		}
		if err := store.ChangePassword(args[0], current, next); err != nil {
			return err
		}
		fmt.Println("Password changed. Stored API keys and the GitHub token were re-encrypted.")
		return nil
	},
}

func userStore() (*secrets.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return secrets.NewStore(cfg.Storage.SecretsDir, nil)
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	pw := strings.TrimSpace(string(raw))
	if pw == "" {
		return "", errors.New("password required")
	}
	return pw, nil
}

func init() {
	userCreateCmd.Flags().StringVar(&userRole, "role", secrets.RoleAdmin, "account role (admin or client)")
	userCmd.AddCommand(userCreateCmd, userPasswdCmd)
}
