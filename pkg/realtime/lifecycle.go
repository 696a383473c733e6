package realtime

import (
	"context"

	"github.com/verastack/chatline/pkg/lifecycle"
)

// HandleLifecycle applies one application state transition: foreground
// connects unless already open, background disconnects, inactive is ignored.
func (m *Manager) HandleLifecycle(ctx context.Context, state lifecycle.State) {
	switch state {
	case lifecycle.StateActive:
		if m.IsConnected() {
			return
		}

		m.log.Info("App in foreground, connecting")

		if err := m.Connect(ctx); err != nil {
			m.log.Warn("Foreground connect failed", "error", err)
		}
	case lifecycle.StateBackground:
		m.log.Info("App in background, disconnecting")
		m.Disconnect()
	default:
		m.log.Debug("Ignoring lifecycle state", "state", string(state))
	}
}

// WatchLifecycle applies transitions from states until ctx is done or the
// channel closes.
func (m *Manager) WatchLifecycle(ctx context.Context, states <-chan lifecycle.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}

			m.HandleLifecycle(ctx, state)
		}
	}
}
