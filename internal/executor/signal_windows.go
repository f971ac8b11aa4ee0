//go:build windows

package executor

import "os"

// gracefulSignal on Windows falls back to os.Kill: os.Process.Signal
// only supports os.Kill on this platform, so there is no softer
// equivalent of SIGTERM to send first.
func gracefulSignal() os.Signal {
	return os.Kill
}
