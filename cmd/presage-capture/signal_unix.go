//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals stop the capture loop and flush the store.
// SIGTERM is what systemd sends on stop.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
