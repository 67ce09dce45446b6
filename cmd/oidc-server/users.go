package main

import (
	"fmt"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/oidc-core"
	"github.com/giantswarm/oidc-core/credentials/sqlstore"
)

func newUsersCommand(configPath *string) *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage users of the SQL credential store",
	}

	var name, email, password string
	var verified bool
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Long:  "Create a user in the configured SQL credential store. Without --password the password is read from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := oauth.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Credentials.Driver == oauth.CredentialsStatic {
				return fmt.Errorf("the static credentials driver is read-only; add users to credentials.users")
			}

			if password == "" {
				if password, err = readSecret(cmd, nil); err != nil {
					return err
				}
			}

			logger, closer, err := oauth.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()

			db, err := sqlstore.Open(cfg.Credentials.Driver, cfg.Credentials.DSN, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}

			u, err := db.CreateUser(cmd.Context(), args[0], password, func(u *sqlstore.User) {
				u.Name = name
				u.Email = email
				u.EmailVerified = verified
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %s)\n", u.Username, u.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&email, "email", "", "email address")
	add.Flags().BoolVar(&verified, "email-verified", false, "mark the email as verified")
	add.Flags().StringVar(&password, "password", "", "password (prefer stdin)")
	users.AddCommand(add)
	return users
}
