package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/clawee-dev/clawee/internal/adapter/outbound/snapshot"
	"github.com/clawee-dev/clawee/internal/domain/attest"
	"github.com/clawee-dev/clawee/internal/domain/signing"
)

var verifyChainCmd = &cobra.Command{
	Use:   "verify-chain [ledger]",
	Short: "Verify an attestation chain log offline",
	Long: `Verify a ledger's hash chain without a running sidecar.

The chain log under <dir>/<ledger>/chain.log is walked seal by seal: each
entry's signature, hash linkage, and previous-snapshot reference are
checked. With --deep, every referenced snapshot file is opened and its
payload fully re-verified (entry hashes, chain head, payload signature).

Ledgers: approval, audit, conformance.

Exit code 0 means the chain is valid; 1 means broken or unreadable.

Examples:
  clawee verify-chain --keyring keyring.json approval
  clawee verify-chain --keyring keyring.json --dir /var/lib/clawee/attest --deep audit`,
	Args: cobra.ExactArgs(1),
	RunE: runVerifyChain,
}

var (
	verifyDir         string
	verifyDeep        bool
	verifyKeyringPath string
	verifyStaticKey   string
)

func init() {
	verifyChainCmd.Flags().StringVar(&verifyDir, "dir", "attest", "snapshot directory")
	verifyChainCmd.Flags().BoolVar(&verifyDeep, "deep", false, "re-verify every referenced snapshot payload")
	verifyChainCmd.Flags().StringVar(&verifyKeyringPath, "keyring", "", "keyring file (JSON or YAML)")
	verifyChainCmd.Flags().StringVar(&verifyStaticKey, "static-key", "", "legacy single signing key")
	rootCmd.AddCommand(verifyChainCmd)
}

func runVerifyChain(cmd *cobra.Command, args []string) error {
	ledger := args[0]

	trust := attest.Trust{StaticKey: verifyStaticKey}
	if verifyKeyringPath != "" {
		kr, err := signing.LoadFile(verifyKeyringPath)
		if err != nil {
			return err
		}
		trust.Keyring = kr
	}

	chain := snapshot.NewChainLog(filepath.Join(verifyDir, ledger, "chain.log"))
	seals, err := chain.Entries()
	if err != nil {
		return fmt.Errorf("read chain log: %w", err)
	}
	refs := make([]*attest.Seal, len(seals))
	for i := range seals {
		refs[i] = &seals[i]
	}

	var open attest.SnapshotOpener
	if verifyDeep {
		open = snapshot.ReadSnapshot
	}

	res := trust.VerifySealedChain(refs, open)
	if !res.Valid {
		return fmt.Errorf("chain %s invalid at line %d: %s", ledger, res.Line, res.Reason)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "chain %s valid: %d seals\n", ledger, res.Entries)
	return nil
}
