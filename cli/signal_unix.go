//go:build !windows

package cli

import (
	"os"
	"syscall"
)

// StopSignals stop the console gracefully, closing every room first.
var StopSignals = []os.Signal{
	os.Interrupt,
	syscall.SIGTERM,
	syscall.SIGHUP,
}
