//go:build !windows

package cli

import (
	"os"
	"syscall"
)

// shutdownSignals interrupt a running produce loop.
var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
