package main

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-core/token"
)

func newKeysCommand() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}

	var out string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate an Ed25519 signing key file",
		Long: `Generate an Ed25519 signing key in PKCS#8 PEM form. To rotate, move the
current key_file to tokens.previous_key_files and point key_file at the new
one; tokens signed by the old key keep verifying for tokens.key_grace.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := token.GenerateSigningKey(time.Now())
			if err != nil {
				return err
			}
			if err := token.WriteKeyFile(out, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (kid %s)\n", out, key.KID)
			return nil
		},
	}
	generate.Flags().StringVarP(&out, "out", "o", "signing-key.pem", "output path")
	keys.AddCommand(generate)
	return keys
}

func newHashSecretCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print the bcrypt hash of a client secret or password",
		Long:  "Print the bcrypt hash of a secret. Without an argument the secret is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, args)
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func readSecret(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return "", fmt.Errorf("empty secret")
	}
	return line, nil
}
