//go:build !arm64

package platform

// FlushICache isn't needed on amd64. The arm64 version uses the C builtin,
// but avoiding cgo elsewhere makes cross-compiling easier.
func FlushICache(buf []byte) {}
