//go:build unix

package lifecycle

import (
	"os"
	"syscall"
)

var lifecycleSignals = []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2}

func stateForSignal(sig os.Signal) (State, bool) {
	switch sig {
	case syscall.SIGUSR1:
		return StateBackground, true
	case syscall.SIGUSR2:
		return StateActive, true
	default:
		return "", false
	}
}
