package realtime

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verastack/chatline/pkg/envelope"
	"github.com/verastack/chatline/pkg/lifecycle"
)

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		tokens TokenSource
	}{
		{name: "missing URL", opts: Options{}, tokens: staticToken("tok")},
		{name: "missing token source", opts: Options{URL: "ws://localhost/ws"}, tokens: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(tt.opts, tt.tokens)
			assert.Error(t, err)
			assert.Nil(t, m)
		})
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{URL: "ws://localhost/ws"}
	opts.applyDefaults()

	assert.Equal(t, 3*time.Second, opts.ReconnectDelay)
	assert.Equal(t, 5, opts.MaxReconnectAttempts)
	assert.Equal(t, defaultConnectTimeout, opts.ConnectTimeout)
	assert.NotNil(t, opts.Dialer)

	opts = Options{URL: "ws://localhost/ws", MaxReconnectAttempts: -1}
	opts.applyDefaults()
	assert.Equal(t, 0, opts.MaxReconnectAttempts)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestConnectSendsAuthorizationFirst(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL(), staticToken("secret-token"), 5)

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())

	msg, err := envelope.New(envelope.TypeMessage, envelope.ChatMessage{ConversationID: "c1", Body: "hello"})
	require.NoError(t, err)
	require.NoError(t, m.SendMessage(msg))

	first := ts.nextFrame(t)
	assert.Equal(t, envelope.TypeAuthorization, first.Type)

	p, err := first.Decode()
	require.NoError(t, err)
	auth, ok := p.(*envelope.Authorization)
	require.True(t, ok)
	assert.Equal(t, "secret-token", auth.Token)

	second := ts.nextFrame(t)
	assert.Equal(t, envelope.TypeMessage, second.Type)

	snap := m.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.NotEmpty(t, snap.ConnectionID)
	assert.False(t, snap.ConnectedAt.IsZero())
	assert.Equal(t, 0, snap.ReconnectAttempts)
}

func TestConnectWhileConnectingIsNoop(t *testing.T) {
	ts := newTestServer(t)

	release := make(chan struct{})
	tokens := TokenFunc(func(context.Context) (string, error) {
		<-release
		return "tok", nil
	})
	m := newTestManager(t, ts.wsURL(), tokens, 5)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return m.State() == StateConnecting }, waitFor, tick)

	// A second connect while the first waits on the token returns at once.
	assert.NoError(t, m.Connect(context.Background()))

	close(release)
	require.NoError(t, <-done)

	// Connect on an open socket is also a no-op.
	require.NoError(t, m.Connect(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), ts.hits.Load())
}

func TestListenersReceiveInboundInOrder(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 5)

	order := make(chan string, 10)
	a := newRecorder("a", order)
	b := newRecorder("b", order)
	m.OnMessage(a)
	m.OnMessage(b)

	require.NoError(t, m.Connect(context.Background()))
	server := ts.nextConn(t)

	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"UPDATE_LAST_MESSAGE","payload":{"conversation_id":"c1"}}`)))

	select {
	case env := <-b.got:
		assert.Equal(t, envelope.TypeUpdateLastMessage, env.Type)
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for envelope")
	}

	assert.Equal(t, []string{"a", "b"}, drain(order))
	assert.Len(t, a.got, 1)
}

func TestOffMessageStopsDelivery(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 5)

	a := newRecorder("a", nil)
	b := newRecorder("b", nil)
	m.OnMessage(a)
	m.OnMessage(b)

	require.NoError(t, m.Connect(context.Background()))
	server := ts.nextConn(t)

	m.OffMessage(a)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"MESSAGE","payload":{}}`)))

	select {
	case <-b.got:
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for envelope")
	}

	assert.Empty(t, a.got)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 5)

	rec := newRecorder("rec", nil)
	m.OnMessage(rec)

	require.NoError(t, m.Connect(context.Background()))
	server := ts.nextConn(t)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"payload":{}}`)))
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"MESSAGE","payload":{"body":"ok"}}`)))

	select {
	case env := <-rec.got:
		assert.Equal(t, envelope.TypeMessage, env.Type)
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for envelope")
	}

	assert.Empty(t, rec.got)
	assert.True(t, m.IsConnected())
	assert.Equal(t, int32(1), ts.hits.Load())
}

func TestReconnectAfterServerClose(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 5)

	require.NoError(t, m.Connect(context.Background()))
	first := ts.nextConn(t)
	firstID := m.Snapshot().ConnectionID

	require.NoError(t, first.Close())

	ts.nextConn(t)
	require.Eventually(t, m.IsConnected, waitFor, tick)

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.ReconnectAttempts)
	assert.NotEqual(t, firstID, snap.ConnectionID)
	assert.Equal(t, int32(2), ts.hits.Load())
}

func TestReconnectStopsAtMaxAttempts(t *testing.T) {
	ts := newTestServer(t)
	ts.rejectAll.Store(true)

	const maxAttempts = 3
	m := newTestManager(t, ts.wsURL(), staticToken("tok"), maxAttempts)

	err := m.Connect(context.Background())
	require.Error(t, err)

	// One initial attempt plus one per scheduled reconnect.
	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return ts.hits.Load() == 1+maxAttempts && snap.State == StateClosed && !snap.ReconnectPending
	}, waitFor, tick)

	time.Sleep(100 * time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, int32(1+maxAttempts), ts.hits.Load())
	assert.Equal(t, maxAttempts, snap.ReconnectAttempts)
	assert.Equal(t, StateClosed, snap.State)
	assert.False(t, snap.ReconnectPending)
}

func TestReconnectCounterResetsOnSuccess(t *testing.T) {
	ts := newTestServer(t)
	ts.rejectFirst.Store(2)

	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 5)

	require.Error(t, m.Connect(context.Background()))

	require.Eventually(t, m.IsConnected, waitFor, tick)

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.ReconnectAttempts)
	assert.Equal(t, int32(3), ts.hits.Load())
}

func TestExternalConnectAfterExhaustionStartsFreshBudget(t *testing.T) {
	ts := newTestServer(t)
	ts.rejectAll.Store(true)

	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 1)

	require.Error(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return ts.hits.Load() == 2 && snap.State == StateClosed && !snap.ReconnectPending
	}, waitFor, tick)

	// The budget is spent; a caller connect gets a new one.
	require.Error(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return ts.hits.Load() == 4 && snap.State == StateClosed && !snap.ReconnectPending
	}, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(4), ts.hits.Load())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	ts := newTestServer(t)
	ts.rejectAll.Store(true)

	m, err := NewManager(Options{
		URL:            ts.wsURL(),
		ReconnectDelay: 200 * time.Millisecond,
	}, staticToken("tok"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	require.Error(t, m.Connect(context.Background()))
	require.True(t, m.Snapshot().ReconnectPending)

	m.Disconnect()

	snap := m.Snapshot()
	assert.False(t, snap.ReconnectPending)
	assert.Equal(t, StateDisconnected, snap.State)
	// The attempt counter survives Disconnect.
	assert.Equal(t, 1, snap.ReconnectAttempts)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), ts.hits.Load())
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 5)

	rec := newRecorder("rec", nil)
	m.OnMessage(rec)

	require.NoError(t, m.Connect(context.Background()))
	ts.nextConn(t)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), ts.hits.Load())
	assert.Equal(t, 1, m.Snapshot().Listeners)

	// Disconnect without a socket is harmless.
	m.Disconnect()
}

func TestSendMessageWhileDisconnected(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 5)

	msg, err := envelope.New(envelope.TypeMessage, envelope.ChatMessage{Body: "dropped"})
	require.NoError(t, err)

	err = m.SendMessage(msg)
	assert.True(t, errors.Is(err, ErrNotConnected))

	// The failed send kicks off a reconnect.
	require.Eventually(t, m.IsConnected, waitFor, tick)

	// Only the authorization frame arrives; the message was not queued.
	assert.Equal(t, envelope.TypeAuthorization, ts.nextFrame(t).Type)
	select {
	case data := <-ts.frames:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMissingTokenSchedulesReconnect(t *testing.T) {
	ts := newTestServer(t)

	var calls atomic.Int32
	tokens := TokenFunc(func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", nil
		}
		return "tok", nil
	})
	m := newTestManager(t, ts.wsURL(), tokens, 5)

	err := m.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrNoToken))
	assert.Equal(t, int32(0), ts.hits.Load())

	require.Eventually(t, m.IsConnected, waitFor, tick)
}

func TestTokenSourceErrorIsWrapped(t *testing.T) {
	ts := newTestServer(t)
	boom := errors.New("keychain locked")

	m := newTestManager(t, ts.wsURL(), TokenFunc(func(context.Context) (string, error) {
		return "", boom
	}), 5)

	err := m.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrNoToken))
	assert.True(t, errors.Is(err, boom))
}

func TestLifecycleTransitions(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 5)
	ctx := context.Background()

	m.HandleLifecycle(ctx, lifecycle.StateActive)
	require.True(t, m.IsConnected())
	ts.nextConn(t)

	// Foreground while open does nothing.
	m.HandleLifecycle(ctx, lifecycle.StateActive)
	assert.Equal(t, int32(1), ts.hits.Load())

	m.HandleLifecycle(ctx, lifecycle.StateBackground)
	assert.Equal(t, StateDisconnected, m.State())

	m.HandleLifecycle(ctx, lifecycle.StateInactive)
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), ts.hits.Load())

	m.HandleLifecycle(ctx, lifecycle.StateActive)
	assert.True(t, m.IsConnected())
	assert.Equal(t, int32(2), ts.hits.Load())
}

func TestWatchLifecycle(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := make(chan lifecycle.State)
	done := make(chan struct{})
	go func() {
		m.WatchLifecycle(ctx, states)
		close(done)
	}()

	states <- lifecycle.StateActive
	require.Eventually(t, m.IsConnected, waitFor, tick)

	states <- lifecycle.StateBackground
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, waitFor, tick)

	close(states)
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("WatchLifecycle did not return after channel close")
	}
}

func TestCloseIsPermanent(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 5)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Connect(context.Background()), ErrManagerClosed)

	msg, err := envelope.New(envelope.TypeMessage, envelope.ChatMessage{Body: "late"})
	require.NoError(t, err)
	assert.ErrorIs(t, m.SendMessage(msg), ErrManagerClosed)
}

func TestCloseAbortsPendingReconnect(t *testing.T) {
	ts := newTestServer(t)
	ts.rejectAll.Store(true)

	m := newTestManager(t, ts.wsURL(), staticToken("tok"), 5)

	require.Error(t, m.Connect(context.Background()))
	require.NoError(t, m.Close())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), ts.hits.Load())
	assert.False(t, m.Snapshot().ReconnectPending)
}

// stallConn holds every text frame write until release is closed. The
// handshake request goes through untouched.
type stallConn struct {
	net.Conn
	stalled chan struct{}
	release chan struct{}
}

func (c *stallConn) Write(b []byte) (int, error) {
	if len(b) > 0 && b[0] == 0x81 {
		select {
		case c.stalled <- struct{}{}:
		default:
		}
		<-c.release
	}

	return c.Conn.Write(b)
}

func TestDisconnectNotBlockedByAuthorizationWrite(t *testing.T) {
	ts := newTestServer(t)

	stalled := make(chan struct{}, 1)
	release := make(chan struct{})

	dialer := &websocket.Dialer{
		HandshakeTimeout: time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			return &stallConn{Conn: conn, stalled: stalled, release: release}, nil
		},
	}

	m, err := NewManager(Options{
		URL:            ts.wsURL(),
		ReconnectDelay: 20 * time.Millisecond,
		Dialer:         dialer,
	}, staticToken("tok"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()

	select {
	case <-stalled:
	case <-time.After(waitFor):
		t.Fatal("authorization frame was never written")
	}

	// The frame write is stuck; state queries and Disconnect still return.
	disconnected := make(chan struct{})
	go func() {
		assert.Equal(t, StateConnecting, m.State())
		m.Snapshot()
		m.Disconnect()
		close(disconnected)
	}()

	select {
	case <-disconnected:
	case <-time.After(500 * time.Millisecond):
		close(release)
		t.Fatal("Disconnect blocked behind the authorization write")
	}

	close(release)
	assert.ErrorIs(t, <-done, ErrConnectAborted)
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), ts.hits.Load())
}
