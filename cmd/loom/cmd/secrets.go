package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomlang/loom/internal/secrets"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the encrypted secrets file",
	Long: `Secrets manages the vault referenced by tool headers and provider
configuration. Entries are encrypted with AES-256-GCM under a key derived
from LOOM_VAULT_PASSPHRASE; the file on disk never holds plaintext.

A program references an entry as secret://<name>, for example an http tool
header of "Authorization: secret://github_token".`,
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Store a secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := requireVault()
		if err != nil {
			return err
		}
		return vault.Store(context.Background(), args[0], []byte(args[1]))
	},
}

var secretsGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Print a secret's value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := requireVault()
		if err != nil {
			return err
		}
		value, err := vault.Resolve(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret names",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := requireVault()
		if err != nil {
			return err
		}
		names, err := vault.List(context.Background())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var secretsRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := requireVault()
		if err != nil {
			return err
		}
		return vault.Delete(context.Background(), args[0])
	},
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd, secretsGetCmd, secretsListCmd, secretsRmCmd)
	rootCmd.AddCommand(secretsCmd)
}

// openVault opens the secrets file named by --secrets. With no flag it
// returns nil: runs without a vault simply fail any secret:// reference.
func openVault() (secrets.Vault, error) {
	if secretsPath == "" {
		return nil, nil
	}
	passphrase := os.Getenv("LOOM_VAULT_PASSPHRASE")
	if passphrase == "" {
		return nil, fmt.Errorf("LOOM_VAULT_PASSPHRASE is required to unlock %s", secretsPath)
	}

	store := secrets.NewFileSecretStore(secretsPath)
	salt, err := store.Salt()
	if err != nil {
		return nil, err
	}
	return secrets.NewAESVault(store, secrets.VaultConfig{Passphrase: passphrase, Salt: salt})
}

// requireVault is openVault for the secrets subcommands, where the flag is
// mandatory.
func requireVault() (secrets.Vault, error) {
	if secretsPath == "" {
		return nil, fmt.Errorf("a secrets file is required (--secrets)")
	}
	return openVault()
}
