//go:build !windows

package executor

import "syscall"

// gracefulSignal is the platform's graceful-termination signal sent to an
// in-flight builder subprocess before the grace period elapses.
func gracefulSignal() syscall.Signal {
	return syscall.SIGTERM
}
