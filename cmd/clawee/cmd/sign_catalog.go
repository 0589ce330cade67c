package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/signing"
)

var signCatalogCmd = &cobra.Command{
	Use:   "sign-catalog [file]",
	Short: "Sign a catalog document",
	Long: `Sign a catalog document with the active keyring key.

Any existing signature material is stripped, the canonical payload is
signed, and the document is written back with a signature_v2 field. With
--static-key, a legacy bare "signature" field is attached instead.

By default the signed document goes to stdout; --in-place rewrites the
input file.

Examples:
  clawee sign-catalog --keyring keyring.json policy.json > policy.signed.json
  clawee sign-catalog --keyring keyring.json --in-place policy.json
  clawee sign-catalog --static-key "$CLAWEE_KEY" policy.json`,
	Args: cobra.ExactArgs(1),
	RunE: runSignCatalog,
}

var (
	signKeyringPath string
	signStaticKey   string
	signInPlace     bool
)

func init() {
	signCatalogCmd.Flags().StringVar(&signKeyringPath, "keyring", "", "keyring file (JSON or YAML)")
	signCatalogCmd.Flags().StringVar(&signStaticKey, "static-key", "", "legacy single signing key")
	signCatalogCmd.Flags().BoolVar(&signInPlace, "in-place", false, "rewrite the input file instead of printing to stdout")
	rootCmd.AddCommand(signCatalogCmd)
}

func runSignCatalog(cmd *cobra.Command, args []string) error {
	path := args[0]
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}

	var signed []byte
	switch {
	case signKeyringPath != "" && signStaticKey != "":
		return fmt.Errorf("specify --keyring or --static-key, not both")
	case signKeyringPath != "":
		kr, err := signing.LoadFile(signKeyringPath)
		if err != nil {
			return err
		}
		if signed, err = catalog.SignRaw(raw, kr); err != nil {
			return err
		}
	case signStaticKey != "":
		if signed, err = catalog.SignRawStatic(raw, signStaticKey); err != nil {
			return err
		}
	default:
		return fmt.Errorf("a signing source is required: --keyring or --static-key")
	}

	if signInPlace {
		if err := os.WriteFile(path, signed, 0o644); err != nil {
			return fmt.Errorf("write catalog: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "signed %s\n", path)
		return nil
	}
	_, err = cmd.OutOrStdout().Write(signed)
	return err
}
