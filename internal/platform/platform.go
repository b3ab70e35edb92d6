// Package platform answers the few questions the rewriter and the detour
// engine need to ask about the host: which OS family and architecture the
// process runs on, how wide pointers are, and which memory tricks are
// available.
package platform

import (
	"errors"
	"runtime"
	"unsafe"
)

// ErrUnavailable is returned by operations the current host can't perform.
var ErrUnavailable = errors.New("not available on this platform")

// OSFamily groups operating systems by the memory APIs they expose.
type OSFamily uint8

const (
	OSOther OSFamily = iota
	OSLinux
	OSDarwin
	OSWindows
	OSFreeBSD
	OSOtherUnix
)

func (f OSFamily) String() string {
	switch f {
	case OSLinux:
		return "linux"
	case OSDarwin:
		return "darwin"
	case OSWindows:
		return "windows"
	case OSFreeBSD:
		return "freebsd"
	case OSOtherUnix:
		return "unix"
	}
	return "other"
}

// Arch is the instruction set of the running process.
type Arch uint8

const (
	ArchUnsupported Arch = iota
	ArchAMD64
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	}
	return "unsupported"
}

// IsARM reports whether a is an ARM variant.
func (a Arch) IsARM() bool {
	return a == ArchARM64
}

// Capabilities describes the host.
type Capabilities struct {
	OS      OSFamily
	Arch    Arch
	PtrSize int

	// NearAlloc is set when mappings can be placed at an exact address
	// without clobbering existing mappings.
	NearAlloc bool

	// ICacheFlush is set when freshly written code must be flushed from the
	// instruction cache before it runs.
	ICacheFlush bool

	// FileMapping is set when files can be mapped executable.
	FileMapping bool
}

// Probe returns the capabilities of the running process.
func Probe() Capabilities {
	return probe(runtime.GOOS, runtime.GOARCH)
}

func probe(goos, goarch string) Capabilities {
	c := Capabilities{
		PtrSize: int(unsafe.Sizeof(uintptr(0))),
	}

	switch goos {
	case "linux", "android":
		c.OS = OSLinux
	case "darwin", "ios":
		c.OS = OSDarwin
	case "windows":
		c.OS = OSWindows
	case "freebsd":
		c.OS = OSFreeBSD
	case "netbsd", "openbsd", "dragonfly", "solaris", "illumos", "aix":
		c.OS = OSOtherUnix
	}

	switch goarch {
	case "amd64":
		c.Arch = ArchAMD64
	case "arm64":
		c.Arch = ArchARM64
		c.ICacheFlush = true
	}

	c.NearAlloc = c.OS == OSLinux || c.OS == OSFreeBSD
	c.FileMapping = c.OS != OSWindows && c.OS != OSOther

	return c
}
