package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/spf13/cobra"
)

var callbackCmd = &cobra.Command{
	Use:   "callback <redirect-url>",
	Short: "Finish a login started with --no-listen",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, closeStore, err := openStore(ctx, storeTarget, cfg.AppName)
		if err != nil {
			return err
		}
		defer closeStore()

		p := newTerminalPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
		return runCallback(ctx, loginOptions{
			cfg:       cfg,
			store:     store,
			navigator: printingNavigator(p, false),
			prompter:  p,
			logger:    slog.Default(),
		}, args[0])
	},
}

func init() {
	rootCmd.AddCommand(callbackCmd)
}

// runCallback completes a pending login from the URL the provider redirected to
func runCallback(ctx context.Context, opts loginOptions, rawURL string) error {
	callbackURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid redirect url: %w", err)
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	sm := newManager(opts)
	if err := sm.HandleCallback(ctx, callbackURL); err != nil {
		return err
	}
	return runFlow(ctx, sm, opts.prompter)
}
