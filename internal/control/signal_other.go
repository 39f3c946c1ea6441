//go:build !unix

package control

import "os"

func cancelSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// No action signal outside unix; notifications arrive through Signals only.
func actionSignals() []os.Signal {
	return nil
}
