// Package dmd makes relocatable copies of compiled functions.
//
// A Method reads the machine code of a function, decodes it, relinks every
// operand that points outside the body and hands the result to a backend,
// which places the copy in executable memory. The copy keeps working after
// the original entry point has been patched, which is what the detour
// engine relies on to call the original.
//
// Methods move through three states:
//
//	Unloaded -> Loaded -> Generated
//
// New loads, Generate generates and Close releases everything the method
// holds. Reload runs the load again.
package dmd

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
)

var (
	// ErrBodylessMethod means the function has no machine code of its
	// own: nil functions, stubs provided by the runtime, or PCs outside
	// every module.
	ErrBodylessMethod = errors.New("function has no body")

	// ErrModuleRead means the function's code couldn't be read from the
	// executable.
	ErrModuleRead = errors.New("cannot read function from module")

	// ErrBackendUnsupported is returned by a backend that can't place the
	// method on this host. Generate falls back to another backend.
	ErrBackendUnsupported = errors.New("backend unsupported")

	// ErrState is returned for operations not allowed in the current
	// state.
	ErrState = errors.New("invalid method state")
)

var tracer = otel.Tracer("github.com/pboyd/detour/internal/dmd")

// State is the life-cycle state of a Method.
type State uint8

const (
	StateUnloaded State = iota
	StateLoaded
	StateGenerated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateGenerated:
		return "generated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", s)
}
