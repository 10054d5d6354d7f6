package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/crmflow/internal/secrets"
	"github.com/rendis/crmflow/internal/store"
)

func (c *cli) newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted webhook credentials",
		Long: `secret stores values that webhook headers reference as
${{secrets.KEY}}. A vault key (vault_key, or vault_passphrase with
vault_salt) must be configured.`,
	}
	cmd.AddCommand(c.newSecretSetCmd(), c.newSecretListCmd(), c.newSecretDeleteCmd())
	return cmd
}

// withVault opens the store and vault for the duration of fn.
func (c *cli) withVault(cmd *cobra.Command, fn func(v *secrets.AESVault) error) error {
	s, err := openStore(cmd.Context(), c.cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	v, err := openVault(s, c.cfg)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("no vault configured: set vault_key or vault_passphrase and vault_salt")
	}
	return fn(v)
}

func (c *cli) newSecretSetCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Store or replace a secret (value from --value or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("value") {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				value = strings.TrimRight(string(b), "\r\n")
			}
			return c.withVault(cmd, func(v *secrets.AESVault) error {
				if err := v.Store(cmd.Context(), args[0], []byte(value)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "secret value (prefer stdin to keep it out of shell history)")
	return cmd
}

func (c *cli) newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Listing needs no key material.
			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			return listSecrets(cmd, s)
		},
	}
}

func listSecrets(cmd *cobra.Command, s store.Store) error {
	keys, err := s.ListSecrets(cmd.Context())
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}

func (c *cli) newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withVault(cmd, func(v *secrets.AESVault) error {
				if err := v.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}
