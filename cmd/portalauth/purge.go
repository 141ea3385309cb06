package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/panyam/portalauth"
)

// purger is implemented by stores that do not expire pending logins on
// their own
type purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired pending logins from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := portalauth.LoadConfig(configPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, closeStore, err := openStore(ctx, storeTarget, cfg.AppName)
		if err != nil {
			return err
		}
		defer closeStore()

		p, ok := store.(purger)
		if !ok {
			fmt.Fprintf(cmd.OutOrStdout(), "store %q expires pending logins itself\n", storeTarget)
			return nil
		}
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired logins\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}
