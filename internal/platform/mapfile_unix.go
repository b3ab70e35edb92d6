//go:build unix

package platform

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// nearAttempts is how many candidate addresses MapNear tries before it lets
// the kernel choose.
const nearAttempts = 16

// MapNear reserves size bytes of read-write memory as close to hint as the
// OS allows.
func MapNear(size int, hint uintptr) ([]byte, error) {
	size = pageRound(size)
	step := uintptr(64 << 20)

	for i := 0; i < nearAttempts && hint != 0 && _MAP_FIXED_NOREPLACE != 0; i++ {
		addr := hint + uintptr(i)*step
		buf, err := mmapAt(-1, addr, size, syscall.PROT_READ|syscall.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|_MAP_FIXED_NOREPLACE)
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, unix.EEXIST) && !errors.Is(err, unix.ENOMEM) {
			return nil, err
		}
	}

	return mmapAt(-1, hint, size, syscall.PROT_READ|syscall.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// MapFileOver maps the first len(region) bytes of f read-only and executable
// over region, replacing the existing mapping.
func MapFileOver(f *os.File, region []byte) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(region)))
	_, err := mmapAt(int(f.Fd()), addr, len(region), RX, unix.MAP_PRIVATE|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("mapping %s: %w", f.Name(), err)
	}
	return nil
}

// Unmap releases a mapping returned by MapNear.
func Unmap(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.MunmapPtr(unsafe.Pointer(unsafe.SliceData(buf)), uintptr(pageRound(cap(buf))))
}

func mmapAt(fd int, addr uintptr, size int, prot, flags int) ([]byte, error) {
	ptr, err := unix.MmapPtr(fd, 0, unsafe.Pointer(addr), uintptr(size), prot, flags)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(ptr), size), nil
}

func pageRound(size int) int {
	pageSize := syscall.Getpagesize()
	return (size + pageSize - 1) / pageSize * pageSize
}
