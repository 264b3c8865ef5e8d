package main

import (
	"os"

	"github.com/spf13/cobra"

	"iris/internal/network"
)

func devCACmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "devca",
		Short: "Export the dev TLS certificate for IRIS_DEVTLS_CA_PATH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pemBytes, err := network.DevCAPEM()
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(pemBytes)
				return err
			}
			return os.WriteFile(out, pemBytes, 0600)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write to file instead of stdout")
	return cmd
}
