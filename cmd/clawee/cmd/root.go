// Package cmd provides the CLI commands for clawee.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawee-dev/clawee/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "clawee",
	Short: "clawee - agent governance sidecar",
	Long: `Clawee is a governance sidecar for autonomous agents.

Every outbound agent request passes through a gate pipeline (egress,
capability, destination, model, policy, approval, budget) driven by signed
rule catalogs. Decisions are audited to hash-chained attestation ledgers,
and an operator control surface manages approvals, budgets, and catalog
reloads.

Quick start:
  1. Create a keyring:      clawee keyring init keyring.json
  2. Sign your catalogs:    clawee sign-catalog --keyring keyring.json policy.json
  3. Start the sidecar:     clawee serve

Configuration:
  Config is loaded from clawee.yaml in the current directory,
  $HOME/.clawee/, or /etc/clawee/.

  Environment variables can override config values with the CLAWEE_ prefix.
  Example: CLAWEE_SERVER_GATEWAY_ADDR=127.0.0.1:8080

Commands:
  serve         Start the gateway and control listeners
  sign-catalog  Sign a catalog document
  verify-chain  Verify an attestation chain log offline
  keyring       Manage the signing keyring
  version       Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./clawee.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
