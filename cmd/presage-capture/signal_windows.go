//go:build windows

package main

import (
	"os"
)

// terminationSignals stop the capture loop and flush the store.
// Windows only delivers os.Interrupt (Ctrl+C).
var terminationSignals = []os.Signal{os.Interrupt}
