package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/panyam/portalauth/oidc"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Print the identity provider endpoints in use",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		coord := oidc.NewCoordinator(cfg.OIDC)
		md, err := coord.Resolve(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(md)
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)
}
