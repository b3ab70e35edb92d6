package platform

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestProbe(t *testing.T) {
	cases := map[string]struct {
		goos, goarch string
		os           OSFamily
		arch         Arch
		near, flush  bool
		fileMapping  bool
	}{
		"linux amd64":   {"linux", "amd64", OSLinux, ArchAMD64, true, false, true},
		"linux arm64":   {"linux", "arm64", OSLinux, ArchARM64, true, true, true},
		"darwin arm64":  {"darwin", "arm64", OSDarwin, ArchARM64, false, true, true},
		"windows amd64": {"windows", "amd64", OSWindows, ArchAMD64, false, false, false},
		"freebsd amd64": {"freebsd", "amd64", OSFreeBSD, ArchAMD64, true, false, true},
		"openbsd 386":   {"openbsd", "386", OSOtherUnix, ArchUnsupported, false, false, true},
		"plan9":         {"plan9", "amd64", OSOther, ArchAMD64, false, false, false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			c := probe(tc.goos, tc.goarch)
			assert.Equal(tc.os, c.OS)
			assert.Equal(tc.arch, c.Arch)
			assert.Equal(tc.near, c.NearAlloc)
			assert.Equal(tc.flush, c.ICacheFlush)
			assert.Equal(tc.fileMapping, c.FileMapping)
			assert.Equal(int(unsafe.Sizeof(uintptr(0))), c.PtrSize)
		})
	}
}

func TestArch(t *testing.T) {
	assert.True(t, ArchARM64.IsARM())
	assert.False(t, ArchAMD64.IsARM())
	assert.Equal(t, "amd64", ArchAMD64.String())
	assert.Equal(t, "linux", OSLinux.String())
}
