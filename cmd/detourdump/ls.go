package main

import (
	"fmt"
	"path/filepath"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pboyd/detour/internal/config"
	"github.com/pboyd/detour/internal/dmd"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [DIR]",
		Short: "List the dumps in a directory",
		Long:  "List the dumps in DIR, or in the dump directory from the environment.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			dir := cfg.DumpDir
			if len(args) > 0 {
				dir = args[0]
			}

			paths, err := filepath.Glob(filepath.Join(dir, "*"+dmd.DumpExt))
			if err != nil {
				return err
			}
			slices.Sort(paths)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			fmt.Fprintln(tw, keyColor.Sprint("FILE")+"\t"+keyColor.Sprint("SYMBOL")+"\t"+keyColor.Sprint("BACKEND")+"\t"+keyColor.Sprint("SIZE"))
			for _, path := range paths {
				d, err := dmd.ReadDump(path)
				if err != nil {
					fmt.Fprintf(tw, "%s\t%s\t\t\n", filepath.Base(path), warnColor.Sprint(err))
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", filepath.Base(path), d.Symbol, d.Backend, len(d.Code))
			}
			return nil
		},
	}
}
