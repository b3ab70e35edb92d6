package detour

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pboyd/detour/internal/asm"
	"github.com/pboyd/detour/internal/platform"
	"github.com/pboyd/detour/internal/rtlayout"
)

// patch is a jump written over the start of a function.
type patch struct {
	code  []byte
	saved []byte
}

// patchEntry overwrites the start of fn with a thunk that calls the func
// value stored in cell.
func patchEntry(fn rtlayout.Func, cell *unsafe.Pointer) (*patch, error) {
	arch, err := asm.Native()
	if err != nil {
		return nil, err
	}

	jump := arch.Thunk(uintptr(unsafe.Pointer(cell)))
	if fn.Size < len(jump) {
		return nil, fmt.Errorf("%w: %s is %d bytes, the jump needs %d", ErrTargetTooSmall, fn.Name, fn.Size, len(jump))
	}

	code := unsafe.Slice((*byte)(unsafe.Pointer(fn.Entry)), len(jump))
	p := &patch{
		code:  code,
		saved: append([]byte(nil), code...),
	}

	if err := writeText(code, jump); err != nil {
		return nil, err
	}
	return p, nil
}

// restore puts back the bytes the patch replaced.
func (p *patch) restore() error {
	return writeText(p.code, p.saved)
}

// textMu serializes writes to code. Targets can share a page, and one
// write must not flip the page back to RX under another.
var textMu sync.Mutex

func writeText(dst, src []byte) error {
	textMu.Lock()
	defer textMu.Unlock()

	err := platform.Protect(dst, platform.RWX)
	if err != nil {
		return err
	}
	defer platform.Protect(dst, platform.RX)

	copy(dst, src)

	if platform.Probe().ICacheFlush {
		platform.FlushICache(dst)
	}
	return nil
}
