//go:build windows

package ffi

import (
	"fmt"
	"syscall"
)

func dlopenLibrary(path string) (uintptr, error) {
	h, err := syscall.LoadLibrary(path)
	if err != nil {
		return 0, fmt.Errorf("LoadLibrary: %w", err)
	}
	return uintptr(h), nil
}

func dlcloseLibrary(handle uintptr) error {
	if handle == 0 {
		return nil
	}
	return syscall.FreeLibrary(syscall.Handle(handle))
}
