// Command detourdump prints the dump artifacts written by detour in debug
// mode.
//
//	DETOUR_DEBUG=1 DETOUR_DUMP_DIR=/tmp/dumps go test ./...
//	detourdump ls /tmp/dumps
//	detourdump show /tmp/dumps/orig-main.handler-*.dmd
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "detourdump:", err)
		os.Exit(1)
	}
}
