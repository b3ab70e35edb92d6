//go:build windows

package platform

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	RX  = windows.PAGE_EXECUTE_READ
	RWX = windows.PAGE_EXECUTE_READWRITE

	ArenaProt = windows.PAGE_EXECUTE
)

// Protect changes the protection of every page that overlaps buf.
func Protect(buf []byte, prot int) error {
	pageSize := syscall.Getpagesize()

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	// Round address down to page boundary.
	pageStart := addr &^ (uintptr(pageSize) - 1)

	// Round up to cover complete pages.
	regionSize := (int(addr-pageStart) + cap(buf) + pageSize - 1) &^ (pageSize - 1)

	var oldFlags uint32
	return windows.VirtualProtect(pageStart, uintptr(regionSize), uint32(prot), &oldFlags)
}
