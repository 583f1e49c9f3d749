//go:build !linux

// Package rt reduces scheduling jitter of the pulse goroutines on Linux.
package rt

import "errors"

// ErrUnsupported is returned on platforms without memory locking support.
var ErrUnsupported = errors.New("realtime mode is only supported on linux")

// Lock is not available on this platform.
func Lock() error { return ErrUnsupported }

// Unlock is a no-op on this platform.
func Unlock() error { return nil }
