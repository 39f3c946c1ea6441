//go:build unix

package control

import (
	"os"
	"syscall"
)

func cancelSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

func actionSignals() []os.Signal {
	return []os.Signal{syscall.SIGUSR1}
}
