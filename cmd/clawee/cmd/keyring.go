package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawee-dev/clawee/internal/domain/signing"
)

var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manage the signing keyring",
	Long: `Manage the HMAC signing keyring used for catalogs and attestations.

The keyring file holds a set of secrets keyed by kid, with one active kid
used for new signatures. Rotation is: add a new key, re-sign catalogs,
activate the new kid, then remove the old key once nothing verifies
against it.

The file format follows the extension: .yaml/.yml writes YAML, anything
else writes JSON. Files are created with 0600 permissions.`,
}

var keyringInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Create a keyring with one generated key",
	Long: `Create a new keyring file with a single random 32-byte key.

The generated kid is "k1" unless overridden with --kid.

Example:
  clawee keyring init keyring.json`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyringInit,
}

var keyringAddCmd = &cobra.Command{
	Use:   "add [file] [kid]",
	Short: "Add a key to the keyring",
	Long: `Add a key under the given kid. The secret is generated unless
--secret provides one. The active kid does not change; use "keyring
activate" after re-signing.

Example:
  clawee keyring add keyring.json k2`,
	Args: cobra.ExactArgs(2),
	RunE: runKeyringAdd,
}

var keyringActivateCmd = &cobra.Command{
	Use:   "activate [file] [kid]",
	Short: "Switch the active signing key",
	Args:  cobra.ExactArgs(2),
	RunE:  runKeyringActivate,
}

var keyringRemoveCmd = &cobra.Command{
	Use:   "remove [file] [kid]",
	Short: "Remove a key from the keyring",
	Long: `Remove a key. Removing the active kid is rejected; activate
another key first.`,
	Args: cobra.ExactArgs(2),
	RunE: runKeyringRemove,
}

var keyringShowCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "List kids and the active key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyringShow,
}

var (
	keyringInitKid   string
	keyringAddSecret string
)

func init() {
	keyringInitCmd.Flags().StringVar(&keyringInitKid, "kid", "k1", "kid for the generated key")
	keyringAddCmd.Flags().StringVar(&keyringAddSecret, "secret", "", "key secret (generated when empty)")

	keyringCmd.AddCommand(keyringInitCmd)
	keyringCmd.AddCommand(keyringAddCmd)
	keyringCmd.AddCommand(keyringActivateCmd)
	keyringCmd.AddCommand(keyringRemoveCmd)
	keyringCmd.AddCommand(keyringShowCmd)
	rootCmd.AddCommand(keyringCmd)
}

func runKeyringInit(cmd *cobra.Command, args []string) error {
	secret, err := generateSecret()
	if err != nil {
		return err
	}
	kr, err := signing.New(keyringInitKid, map[string]string{keyringInitKid: secret})
	if err != nil {
		return err
	}
	if err := kr.SaveFile(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s with active kid %q\n", args[0], keyringInitKid)
	return nil
}

func runKeyringAdd(cmd *cobra.Command, args []string) error {
	path, kid := args[0], args[1]
	kr, err := signing.LoadFile(path)
	if err != nil {
		return err
	}
	secret := keyringAddSecret
	if secret == "" {
		if secret, err = generateSecret(); err != nil {
			return err
		}
	}
	next, err := kr.WithKey(kid, secret)
	if err != nil {
		return err
	}
	if err := next.SaveFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added kid %q (%d keys, active %q)\n", kid, next.Len(), next.ActiveKid())
	return nil
}

func runKeyringActivate(cmd *cobra.Command, args []string) error {
	path, kid := args[0], args[1]
	kr, err := signing.LoadFile(path)
	if err != nil {
		return err
	}
	next, err := kr.WithActive(kid)
	if err != nil {
		return err
	}
	if err := next.SaveFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "active kid is now %q\n", kid)
	return nil
}

func runKeyringRemove(cmd *cobra.Command, args []string) error {
	path, kid := args[0], args[1]
	kr, err := signing.LoadFile(path)
	if err != nil {
		return err
	}
	next, err := kr.WithoutKey(kid)
	if err != nil {
		return err
	}
	if err := next.SaveFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed kid %q (%d keys remain)\n", kid, next.Len())
	return nil
}

func runKeyringShow(cmd *cobra.Command, args []string) error {
	kr, err := signing.LoadFile(args[0])
	if err != nil {
		return err
	}
	for _, kid := range kr.Kids() {
		marker := " "
		if kid == kr.ActiveKid() {
			marker = "*"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, kid)
	}
	return nil
}

// generateSecret returns 32 random bytes hex encoded.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
