package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pboyd/detour/internal/asm"
	"github.com/pboyd/detour/internal/dmd"
)

var (
	keyColor  = color.New(color.FgCyan)
	addrColor = color.New(color.FgYellow)
	warnColor = color.New(color.FgRed)
)

func newShowCmd() *cobra.Command {
	var source bool

	cmd := &cobra.Command{
		Use:   "show FILE...",
		Short: "Print the header and disassembly of dumps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for i, path := range args {
				if i > 0 {
					fmt.Fprintln(out)
				}

				d, err := dmd.ReadDump(path)
				if err != nil {
					return err
				}
				if err := showDump(out, path, d, source); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&source, "source", false, "also print the code the method was read from")
	return cmd
}

func showDump(w io.Writer, path string, d *dmd.Dump, source bool) error {
	field := func(name, format string, args ...any) {
		fmt.Fprintf(w, "%s %s\n", keyColor.Sprintf("%-10s", name), fmt.Sprintf(format, args...))
	}

	fmt.Fprintln(w, path)
	field("symbol", "%s", d.Symbol)
	if d.Tag != "" {
		field("tag", "%s", d.Tag)
	}
	field("arch", "%s (%s)", d.Arch, d.GoVersion)
	field("backend", "%s", d.Backend)
	field("source", "%#x, %d bytes", d.Base, len(d.Source))
	field("entry", "%#x, %d bytes", d.Entry, len(d.Code))

	if len(d.Externals) > 0 {
		fmt.Fprintln(w, keyColor.Sprint("externals"))
		for _, ref := range d.Externals {
			fmt.Fprintf(w, "  %6d %-6s %s %s\n", ref.Offset, ref.Kind, addrColor.Sprintf("%#x", ref.Target), ref.Symbol)
		}
	}

	if len(d.Regions) > 0 {
		fmt.Fprintln(w, keyColor.Sprint("regions"))
		for _, r := range d.Regions {
			fmt.Fprintf(w, "  %-8s try [%d, %d] handler [%d, %d]\n", r.Kind, r.TryStart, r.TryEnd, r.HandlerStart, r.HandlerEnd)
		}
	}

	arch, err := asm.ForName(d.Arch)
	if err != nil {
		fmt.Fprintln(w, warnColor.Sprintf("can't disassemble: %v", err))
		return nil
	}

	fmt.Fprintln(w)
	writeListing(w, asm.Disassemble(arch, d.Code, uintptr(d.Entry)))

	if source {
		fmt.Fprintln(w)
		fmt.Fprintln(w, keyColor.Sprint("source"))
		writeListing(w, asm.Disassemble(arch, d.Source, uintptr(d.Base)))
	}
	return nil
}

// writeListing highlights the address column of a listing.
func writeListing(w io.Writer, listing string) {
	sc := bufio.NewScanner(strings.NewReader(listing))
	for sc.Scan() {
		addr, rest, ok := strings.Cut(sc.Text(), "\t")
		if !ok {
			fmt.Fprintln(w, sc.Text())
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", addrColor.Sprint(addr), rest)
	}
}
