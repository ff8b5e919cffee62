// Command circuitd runs a circuit-overlay mesh node: the peer
// interconnect, the circuit direct-message handler, and a 2PC runner for
// every locally attached service, all built from one TOML configuration
// file.
package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "circuitd",
		Short: "circuit-overlay mesh node daemon",
	}
	root.AddCommand(newRunCmd(), newKeygenCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the node daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "circuitd.toml", "path to the node's TOML configuration file")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "generate an Ed25519 keypair for challenge-based peer authorization",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := crypto.GenerateEd25519Key(nil)
			if err != nil {
				return fmt.Errorf("generating keypair: %w", err)
			}
			privBytes, err := crypto.MarshalPrivateKey(priv)
			if err != nil {
				return fmt.Errorf("marshaling private key: %w", err)
			}
			pubBytes, err := crypto.MarshalPublicKey(pub)
			if err != nil {
				return fmt.Errorf("marshaling public key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private_key: %s\n", base64.StdEncoding.EncodeToString(privBytes))
			fmt.Fprintf(cmd.OutOrStdout(), "public_key: %s\n", base64.StdEncoding.EncodeToString(pubBytes))
			return nil
		},
	}
}
