package devserver

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/verastack/chatline/pkg/envelope"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// client is one authorized websocket connection.
type client struct {
	id   string
	user *user
	conn *websocket.Conn
	send chan []byte
}

// outbound is a frame for every registered client except those excluded.
type outbound struct {
	data    []byte
	exclude func(*client) bool
}

// hub owns the set of registered clients. All mutations happen on the run
// goroutine.
type hub struct {
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan outbound
	count      chan chan int
	done       chan struct{}
	log        *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan outbound),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *hub) run(stop <-chan struct{}) {
	defer close(h.done)

	for {
		select {
		case <-stop:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}

			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.log.Info("Client registered", "connection_id", c.id, "user_id", c.user.ID, "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Info("Client unregistered", "connection_id", c.id, "clients", len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if msg.exclude != nil && msg.exclude(c) {
					continue
				}

				select {
				case c.send <- msg.data:
				default:
					h.log.Warn("Dropping slow client", "connection_id", c.id)
					delete(h.clients, c)
					close(c.send)
				}
			}

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

func (h *hub) add(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *hub) publish(env *envelope.Envelope, exclude func(*client) bool) {
	data, err := env.Marshal()
	if err != nil {
		h.log.Error("Failed to marshal envelope", "type", env.Type, "error", err)
		return
	}

	select {
	case h.broadcast <- outbound{data: data, exclude: exclude}:
	case <-h.done:
	}
}

// len returns the number of registered clients, or 0 once stopped.
func (h *hub) len() int {
	reply := make(chan int, 1)

	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// writePump drains c.send onto the socket until the hub closes it.
func (c *client) writePump() {
	defer c.conn.Close() //nolint:errcheck // best-effort

	for data := range c.send {
		//nolint:errcheck,gosec // write errors surface below
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))

		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	//nolint:errcheck,gosec // peer may be gone
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
}
