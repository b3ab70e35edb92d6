//go:build arm64 && cgo

package platform

import "unsafe"

/*
static void cacheflush(char *start, char *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

// FlushICache makes sure the instruction cache sees code written to buf.
func FlushICache(buf []byte) {
	if len(buf) == 0 {
		return
	}
	start := unsafe.Pointer(unsafe.SliceData(buf))
	end := unsafe.Pointer(uintptr(len(buf)) + uintptr(start))
	C.cacheflush((*C.char)(start), (*C.char)(end))
}
