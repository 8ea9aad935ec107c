// Package ffi provides purego bindings to the mrwebrtc native library.
//
// Only the subset needed to drive one peer connection with local capture and
// remote video sinks is bound. Handles are opaque uintptrs owned by the
// library; callbacks are routed through a registry keyed by the user_data
// value handed to the library, so no Go pointers cross the boundary.
package ffi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
)

// LibraryPathEnv overrides the library search.
const LibraryPathEnv = "PEERBRIDGE_NATIVE_LIB"

var (
	// ErrLibraryNotLoaded is returned when a binding is used before LoadLibrary.
	ErrLibraryNotLoaded = errors.New("mrwebrtc library not loaded")

	// ErrLibraryNotFound is returned when no library file could be located.
	ErrLibraryNotFound = errors.New("mrwebrtc library not found")

	// Result sentinels. They support errors.Is on values returned by Err.
	ErrUnknown              = errors.New("unknown error")
	ErrNotImplemented       = errors.New("not implemented")
	ErrInvalidParam         = errors.New("invalid parameter")
	ErrInvalidOperation     = errors.New("invalid operation")
	ErrWrongThread          = errors.New("wrong thread")
	ErrNotFound             = errors.New("not found")
	ErrInvalidNativeHandle  = errors.New("invalid native handle")
	ErrNotInitialized       = errors.New("not initialized")
	ErrUnsupported          = errors.New("unsupported")
	ErrOutOfRange           = errors.New("out of range")
	ErrBufferTooSmall       = errors.New("buffer too small")
	ErrPeerConnectionClosed = errors.New("peer connection closed")
)

// Result is an mrsResult code.
type Result uint32

const (
	ResultSuccess              Result = 0
	ResultUnknownError         Result = 0x80000000
	ResultNotImplemented       Result = 0x80000001
	ResultInvalidParameter     Result = 0x80000002
	ResultInvalidOperation     Result = 0x80000003
	ResultWrongThread          Result = 0x80000004
	ResultNotFound             Result = 0x80000005
	ResultInvalidNativeHandle  Result = 0x80000006
	ResultNotInitialized       Result = 0x80000007
	ResultUnsupported          Result = 0x80000008
	ResultOutOfRange           Result = 0x80000009
	ResultBufferTooSmall       Result = 0x8000000a
	ResultPeerConnectionClosed Result = 0x80000101
)

// Err converts a result code to an error. Success maps to nil.
func (r Result) Err() error {
	switch r {
	case ResultSuccess:
		return nil
	case ResultUnknownError:
		return ErrUnknown
	case ResultNotImplemented:
		return ErrNotImplemented
	case ResultInvalidParameter:
		return ErrInvalidParam
	case ResultInvalidOperation:
		return ErrInvalidOperation
	case ResultWrongThread:
		return ErrWrongThread
	case ResultNotFound:
		return ErrNotFound
	case ResultInvalidNativeHandle:
		return ErrInvalidNativeHandle
	case ResultNotInitialized:
		return ErrNotInitialized
	case ResultUnsupported:
		return ErrUnsupported
	case ResultOutOfRange:
		return ErrOutOfRange
	case ResultBufferTooSmall:
		return ErrBufferTooSmall
	case ResultPeerConnectionClosed:
		return ErrPeerConnectionClosed
	default:
		return fmt.Errorf("%w: result 0x%08x", ErrUnknown, uint32(r))
	}
}

var (
	libHandle uintptr
	libLoaded atomic.Bool
	libMu     sync.Mutex
)

// LoadLibrary loads the mrwebrtc shared library and binds its symbols.
// It searches in order:
//  1. the path in PEERBRIDGE_NATIVE_LIB
//  2. lib/{os}_{arch}/ next to the executable
//  3. lib/{os}_{arch}/ under the working directory and its parents
//  4. the system loader path
func LoadLibrary() error {
	libMu.Lock()
	defer libMu.Unlock()

	if libLoaded.Load() {
		return nil
	}

	path, err := resolveLibrary()
	if err != nil {
		return err
	}

	handle, err := dlopenLibrary(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLibraryNotFound, path, err)
	}
	if err := registerFunctions(handle); err != nil {
		_ = dlcloseLibrary(handle)
		return err
	}

	libHandle = handle
	libLoaded.Store(true)
	return nil
}

// IsLoaded reports whether LoadLibrary succeeded.
func IsLoaded() bool {
	return libLoaded.Load()
}

// Close unloads the library. Live handles become invalid.
func Close() error {
	libMu.Lock()
	defer libMu.Unlock()

	if !libLoaded.Load() {
		return nil
	}
	if err := dlcloseLibrary(libHandle); err != nil {
		return err
	}
	libLoaded.Store(false)
	libHandle = 0
	return nil
}

func resolveLibrary() (string, error) {
	if path := os.Getenv(LibraryPathEnv); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s=%s: %w", ErrLibraryNotFound, LibraryPathEnv, path, err)
		}
		return path, nil
	}
	if path, ok := findLocalLibrary(); ok {
		return path, nil
	}
	// Let the system loader try its own search path.
	return libraryNameFor(runtime.GOOS), nil
}

func findLocalLibrary() (string, bool) {
	name := libraryNameFor(runtime.GOOS)
	platformDir := runtime.GOOS + "_" + runtime.GOARCH

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "lib", platformDir, name))
	}
	if wd, err := os.Getwd(); err == nil {
		for _, up := range []string{".", "..", filepath.Join("..", "..")} {
			candidates = append(candidates, filepath.Join(wd, up, "lib", platformDir, name))
		}
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, true
			}
			return abs, true
		}
	}
	return "", false
}

func libraryNameFor(goos string) string {
	switch goos {
	case "darwin":
		return "libmrwebrtc.dylib"
	case "windows":
		return "mrwebrtc.dll"
	default:
		return "libmrwebrtc.so"
	}
}
