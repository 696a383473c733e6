package realtime

import (
	"log/slog"
	"reflect"
	"sync"

	"github.com/verastack/chatline/pkg/envelope"
)

// Listener receives every decoded inbound envelope.
//
// Listeners are compared with == on removal, so implementations must be
// comparable; pointer receivers are the usual choice. Use Subscribe for
// plain functions.
type Listener interface {
	HandleEnvelope(env *envelope.Envelope)
}

// funcListener gives a plain function a stable identity in the registry.
type funcListener struct {
	fn func(*envelope.Envelope)
}

func (f *funcListener) HandleEnvelope(env *envelope.Envelope) { f.fn(env) }

// Dispatcher fans inbound envelopes out to registered listeners.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
	log       *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// OnMessage appends l to the registry. Registering the same listener twice
// makes it run twice per envelope. Nil and non-comparable listeners are
// rejected with ErrInvalidListener.
func (d *Dispatcher) OnMessage(l Listener) error {
	if !isComparable(l) {
		return ErrInvalidListener
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)

	return nil
}

// OffMessage removes every registration of l.
func (d *Dispatcher) OffMessage(l Listener) {
	if !isComparable(l) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.listeners[:0]
	for _, existing := range d.listeners {
		if existing != l {
			kept = append(kept, existing)
		}
	}

	// Drop references held past the new length.
	for i := len(kept); i < len(d.listeners); i++ {
		d.listeners[i] = nil
	}

	d.listeners = kept
}

// Subscribe registers fn and returns a function that unregisters it.
func (d *Dispatcher) Subscribe(fn func(*envelope.Envelope)) (unsubscribe func()) {
	l := &funcListener{fn: fn}
	//nolint:errcheck // pointers are always comparable
	d.OnMessage(l)

	return func() { d.OffMessage(l) }
}

func isComparable(l Listener) bool {
	return l != nil && reflect.TypeOf(l).Comparable()
}

// Len returns the number of registrations.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

// emit delivers env to a snapshot of the registry, in registration order,
// on the calling goroutine. A panicking listener is logged and skipped;
// later listeners still receive the envelope.
func (d *Dispatcher) emit(env *envelope.Envelope) {
	d.mu.RLock()
	snapshot := make([]Listener, len(d.listeners))
	copy(snapshot, d.listeners)
	d.mu.RUnlock()

	for i, l := range snapshot {
		d.deliver(i, l, env)
	}
}

func (d *Dispatcher) deliver(index int, l Listener, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Message listener panicked",
				"listener", index,
				"type", env.Type,
				"panic", r,
			)
		}
	}()

	l.HandleEnvelope(env)
}
