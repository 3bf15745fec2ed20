package main

import "github.com/spf13/cobra"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "botrelay",
		Short:         "Relay message batches through a pool of messaging accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config file (.json, .yaml, .toml)")

	root.AddCommand(
		newServeCmd(opts),
		newDispatchCmd(opts),
		newAccountsCmd(opts),
	)
	return root
}
