package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/verastack/chatline/pkg/envelope"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// testServer is a websocket endpoint that records every upgrade attempt
// and every frame it receives.
type testServer struct {
	*httptest.Server

	hits        atomic.Int32 // upgrade attempts, rejected ones included
	rejectFirst atomic.Int32 // reject attempts numbered <= rejectFirst
	rejectAll   atomic.Bool

	frames chan []byte
	conns  chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		frames: make(chan []byte, 100),
		conns:  make(chan *websocket.Conn, 20),
	}

	upgrader := websocket.Upgrader{}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.hits.Add(1)
		if ts.rejectAll.Load() || n <= ts.rejectFirst.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Upgrade error: %v", err)
			return
		}

		ts.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ts.frames <- data
		}
	}))
	t.Cleanup(ts.Close)

	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// nextConn returns the server side of the next accepted connection.
func (ts *testServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

// nextFrame returns the next frame the server received, decoded.
func (ts *testServer) nextFrame(t *testing.T) *envelope.Envelope {
	t.Helper()

	select {
	case data := <-ts.frames:
		env, err := envelope.Parse(data)
		require.NoError(t, err, "server received malformed frame: %s", data)
		return env
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func staticToken(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

func newTestManager(t *testing.T, url string, tokens TokenSource, maxAttempts int) *Manager {
	t.Helper()

	m, err := NewManager(Options{
		URL:                  url,
		ConnectTimeout:       time.Second,
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectAttempts: maxAttempts,
	}, tokens)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

// recorder collects envelopes delivered to it.
type recorder struct {
	name string
	log  chan string
	got  chan *envelope.Envelope
}

func newRecorder(name string, log chan string) *recorder {
	return &recorder{name: name, log: log, got: make(chan *envelope.Envelope, 100)}
}

func (r *recorder) HandleEnvelope(env *envelope.Envelope) {
	if r.log != nil {
		r.log <- r.name
	}
	r.got <- env
}
