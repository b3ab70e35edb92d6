//go:build unix

package platform

import (
	"syscall"
	"unsafe"
)

const (
	RX  = syscall.PROT_READ | syscall.PROT_EXEC
	RWX = syscall.PROT_READ | syscall.PROT_WRITE | syscall.PROT_EXEC

	// ArenaProt is the protection new code arenas are created with.
	ArenaProt = RWX
)

// Protect changes the protection of every page that overlaps buf.
func Protect(buf []byte, prot int) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	pageSize := syscall.Getpagesize()

	// Round address down to page boundary.
	// Example: addr=4196 with pageSize=4096 becomes 4096.
	pageStart := addr - (addr % uintptr(pageSize))

	// This includes the offset from pageStart to addr, plus the requested length.
	totalBytes := int(addr-pageStart) + cap(buf)

	// Round up to cover complete pages.
	regionSize := (totalBytes + pageSize - 1) / pageSize * pageSize

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)

	return syscall.Mprotect(region, prot)
}
