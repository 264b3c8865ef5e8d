package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"iris/internal/crypto"
	"iris/internal/peer"
)

func idCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this node's identity, creating keys on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			pub, _, err := crypto.LoadOrCreateKeypair(cfg.KeysDir())
			if err != nil {
				return err
			}
			id, err := peer.NewIdentity(pub)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "node_id=%s\n", id.Hex())
			fmt.Fprintf(out, "pubkey=%s\n", hex.EncodeToString(id.PubKey))
			fmt.Fprintf(out, "listen=%s\n", cfg.ListenAddr)
			return nil
		},
	}
}
