//go:build !unix

package lifecycle

import "os"

var lifecycleSignals []os.Signal

func stateForSignal(os.Signal) (State, bool) {
	return "", false
}
