//go:build windows

package cli

import (
	"os"
)

// shutdownSignals interrupt a running produce loop.
// Windows does not support SIGTERM; os.Interrupt maps to Ctrl+C / CTRL_BREAK_EVENT.
var shutdownSignals = []os.Signal{os.Interrupt}
