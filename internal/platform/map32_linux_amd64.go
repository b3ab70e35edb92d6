//go:build linux && amd64

package platform

import "golang.org/x/sys/unix"

// ArenaFlags asks for arenas in the low 2GiB, which keeps them within rel32
// range of a non-PIE text segment.
const ArenaFlags = unix.MAP_32BIT
