package dmd

import (
	"unsafe"

	"github.com/pboyd/detour/internal/asm"
	"github.com/pboyd/detour/internal/platform"
)

// thunks is the arena for every Thunk in the process.
var thunks = &arena{}

// Thunk is generated code that calls whatever func value is stored in a
// cell. Swapping the cell redirects the thunk without touching code.
type Thunk struct {
	cell    *unsafe.Pointer
	code    []byte
	funcval uintptr
}

// NewThunk generates a thunk for cell. The caller must keep cell alive for
// as long as the thunk can run.
func NewThunk(cell *unsafe.Pointer) (*Thunk, error) {
	arch, err := asm.Native()
	if err != nil {
		return nil, err
	}
	code := arch.Thunk(uintptr(unsafe.Pointer(cell)))

	if err := thunks.BeginMutate(); err != nil {
		return nil, err
	}
	buf, err := thunks.Allocate(len(code))
	if err != nil {
		thunks.EndMutate()
		return nil, err
	}
	copy(buf, code)
	if err := thunks.EndMutate(); err != nil {
		return nil, err
	}

	if platform.Probe().ICacheFlush {
		platform.FlushICache(buf)
	}

	t := &Thunk{cell: cell, code: buf}
	t.funcval = addrOf(buf)
	return t, nil
}

// Entry returns the address of the thunk's code.
func (t *Thunk) Entry() uintptr {
	return addrOf(t.code)
}

// FuncPointer returns the pointer a func value calling the thunk would
// hold.
func (t *Thunk) FuncPointer() unsafe.Pointer {
	return unsafe.Pointer(&t.funcval)
}

// Free releases the thunk's code. The thunk must not run afterwards.
func (t *Thunk) Free() error {
	if t.code == nil {
		return nil
	}
	if err := thunks.BeginMutate(); err != nil {
		return err
	}
	thunks.Free(t.code)
	t.code = nil
	t.funcval = 0
	return thunks.EndMutate()
}
