package realtime

import "time"

// pendingReconnect identifies one scheduled attempt. The timer callback
// compares pointers under m.mu, so it never reads the timer field.
type pendingReconnect struct {
	timer *time.Timer
}

// scheduleReconnectLocked arms one reconnect attempt after the fixed delay,
// unless one is already pending or the attempt budget is spent. The delay
// does not grow between attempts. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.reconnectTimer != nil {
		return
	}

	if m.reconnectAttempts >= m.opts.MaxReconnectAttempts {
		if !m.exhausted {
			m.exhausted = true
			m.log.Error("Max reconnection attempts reached",
				"max_attempts", m.opts.MaxReconnectAttempts,
			)
		}

		return
	}

	m.reconnectAttempts++
	gen := m.generation

	m.log.Info("Attempting to reconnect",
		"attempt", m.reconnectAttempts,
		"max_attempts", m.opts.MaxReconnectAttempts,
		"delay", m.opts.ReconnectDelay,
	)

	pending := &pendingReconnect{}
	pending.timer = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.fireReconnect(gen, pending)
	})
	m.reconnectTimer = pending
}

// fireReconnect runs on the timer goroutine.
func (m *Manager) fireReconnect(gen uint64, pending *pendingReconnect) {
	m.mu.Lock()

	// Disconnect, Close or a newer connect cancelled this attempt after the
	// timer had already fired.
	if m.closed || m.reconnectTimer != pending || m.generation != gen {
		m.mu.Unlock()
		return
	}

	m.reconnectTimer = nil
	m.wg.Add(1)
	m.mu.Unlock()

	defer m.wg.Done()

	// Failures are logged and rescheduled inside connect.
	//nolint:errcheck // see above
	m.connect(m.ctx, false)
}

// stopReconnectTimerLocked cancels a pending reconnect. Caller holds m.mu.
func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer == nil {
		return
	}

	m.reconnectTimer.timer.Stop()
	m.reconnectTimer = nil
}
