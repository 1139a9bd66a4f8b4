package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pockode/chatrelay/auth"
	"github.com/pockode/chatrelay/config"
	"github.com/pockode/chatrelay/directory"
)

func newUsersCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the user directory",
	}

	cmd.AddCommand(
		newUsersListCmd(v),
		newUsersAddCmd(v),
		newUsersHashCmd(),
	)

	return cmd
}

func openDirectory(v *viper.Viper) (*directory.FileDirectory, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	return directory.OpenFile(cfg.UsersFile)
}

func newUsersListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := openDirectory(v)
			if err != nil {
				return err
			}
			for _, u := range dir.ListOthers("") {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", u.ID, u.Name())
			}
			return nil
		},
	}
}

func newUsersAddCmd(v *viper.Viper) *cobra.Command {
	var (
		name   string
		secret string
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or replace a user and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := directory.ValidateUserID(id); err != nil {
				return err
			}
			if secret == "" {
				secret = strings.ReplaceAll(uuid.NewString(), "-", "")
			}
			if strings.Contains(secret, ":") {
				return errors.New("secret must not contain ':'")
			}

			hash, err := auth.HashSecret(secret)
			if err != nil {
				return err
			}

			dir, err := openDirectory(v)
			if err != nil {
				return err
			}
			if err := dir.Upsert(directory.User{ID: id, DisplayName: name, TokenHash: hash}); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\ntoken: %s:%s\n", id, dir.Path(), id, secret)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&secret, "secret", "", "secret (generated when empty)")

	return cmd
}

func newUsersHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <secret>",
		Short: "Print the bcrypt hash of a secret for hand-edited users.toml files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashSecret(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}
