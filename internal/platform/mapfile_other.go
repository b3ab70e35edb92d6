//go:build !unix

package platform

import "os"

func MapNear(size int, hint uintptr) ([]byte, error) {
	return nil, ErrUnavailable
}

func MapFileOver(f *os.File, region []byte) error {
	return ErrUnavailable
}

func Unmap(buf []byte) error {
	return ErrUnavailable
}
