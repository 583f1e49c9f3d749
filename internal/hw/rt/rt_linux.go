//go:build linux

// Package rt reduces scheduling jitter of the pulse goroutines on Linux.
package rt

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/cjeanneret/RampGo/internal/debug"
)

// niceness applied to the whole process. Negative values need CAP_SYS_NICE.
const niceness = -10

// Lock locks current and future pages in RAM and raises the process
// priority. Both need privileges; the first failure is returned and the
// caller may continue without them.
func Lock() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("mlockall: %w", err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, niceness); err != nil {
		return fmt.Errorf("setpriority(%d): %w", niceness, err)
	}
	debug.Verbose("Memory locked, niceness %d", niceness)
	return nil
}

// Unlock releases the memory lock taken by Lock.
func Unlock() error {
	if err := unix.Munlockall(); err != nil {
		return fmt.Errorf("munlockall: %w", err)
	}
	return nil
}
