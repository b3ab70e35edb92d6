package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var noColor bool

	root := &cobra.Command{
		Use:   "detourdump",
		Short: "Inspect generated method dumps",
		Long: `detourdump reads the .dmd files written when DETOUR_DEBUG is set.

Examples:
  detourdump ls /tmp/dumps          List the dumps in a directory
  detourdump show FILE...           Print a dump's header and code`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	root.AddCommand(newShowCmd(), newLsCmd())
	return root
}
