package rtlayout

import "unsafe"

// The mirrors below match the runtime's records from Go 1.21 onward. Only
// the leading fields are declared; the runtime owns the memory and nothing
// here is ever written.

type funcInfo struct {
	*_func
	datap *moduledata
}

// _func is the runtime's per-function record (runtime/runtime2.go).
type _func struct {
	entryOff uint32 // relative to moduledata.text
	nameOff  int32

	args        int32
	deferreturn uint32 // entry offset of the deferreturn call, 0 if none

	pcsp      uint32
	pcfile    uint32
	pcln      uint32
	npcdata   uint32
	cuOffset  uint32
	startLine int32
	funcID    uint8
	flag      uint8
}

// moduledata is written by the linker (cmd/link/internal/ld/symtab.go).
type moduledata struct {
	pcHeader     unsafe.Pointer
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext uintptr
}

// functab is sorted by entryoff. The final entry is a sentinel at etext.
type functab struct {
	entryoff uint32
	funcoff  uint32
}

func uintptrOf(md *moduledata) uintptr {
	return uintptr(unsafe.Pointer(md))
}
