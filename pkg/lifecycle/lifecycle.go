// Package lifecycle models foreground/background transitions of the host
// application and turns OS signals into those transitions for headless
// hosts.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
)

// State is the application state reported by the host.
type State string

const (
	// StateActive means the app is in the foreground.
	StateActive State = "active"
	// StateBackground means the app moved to the background.
	StateBackground State = "background"
	// StateInactive is a transitional state (e.g. a system dialog on top).
	StateInactive State = "inactive"
)

// ParseState accepts the host's state names, with "foreground" as an alias
// for active.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "foreground":
		return StateActive, nil
	case "background":
		return StateBackground, nil
	case "inactive":
		return StateInactive, nil
	default:
		return "", fmt.Errorf("unknown lifecycle state: %q", s)
	}
}

// SignalSource maps process signals to lifecycle transitions. On Unix,
// SIGUSR1 moves the app to the background and SIGUSR2 brings it back. Other
// platforms have no such signals and the source only closes with ctx.
type SignalSource struct {
	signals chan os.Signal
	states  chan State
}

// NewSignalSource starts listening for lifecycle signals until ctx is done.
func NewSignalSource(ctx context.Context) *SignalSource {
	s := &SignalSource{
		signals: make(chan os.Signal, 4),
		states:  make(chan State, 4),
	}

	// Notify with no signals relays every signal.
	if len(lifecycleSignals) > 0 {
		signal.Notify(s.signals, lifecycleSignals...)
	}

	go s.run(ctx)

	return s
}

// States returns the transition stream. It is closed when the source stops.
func (s *SignalSource) States() <-chan State {
	return s.states
}

func (s *SignalSource) run(ctx context.Context) {
	defer close(s.states)
	defer signal.Stop(s.signals)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-s.signals:
			state, ok := stateForSignal(sig)
			if !ok {
				continue
			}

			select {
			case s.states <- state:
			case <-ctx.Done():
				return
			}
		}
	}
}
