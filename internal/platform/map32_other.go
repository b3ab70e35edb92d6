//go:build !(linux && amd64)

package platform

const ArenaFlags = 0
