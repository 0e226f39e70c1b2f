package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand(open backendOpener) *cobra.Command {
	var configFlag string
	var jsonFlag bool

	ctx := newCommandContext(open, &configFlag, &jsonFlag)

	rootCmd := &cobra.Command{
		Use:           "videoctl",
		Short:         "Operate doctor video submissions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "YAML config overlay (same keys as the environment)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newLatestCommand(ctx))
	rootCmd.AddCommand(newFinalizeCommand(ctx))
	rootCmd.AddCommand(newCleanupCommand(ctx))
	rootCmd.AddCommand(newDeleteCommand(ctx))
	rootCmd.AddCommand(newSendLinkCommand(ctx))
	rootCmd.AddCommand(newReclaimCommand(ctx))

	return rootCmd
}

func (c *commandContext) withBackend(cmd *cobra.Command, fn func(*backend) error) error {
	b, err := c.ensureBackend(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer c.close()
	return fn(b)
}
