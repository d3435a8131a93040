package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leandrodaf/midibridge/internal/interaction"
	"github.com/leandrodaf/midibridge/sdk/contracts"
)

const (
	clientBacklog = 32
	writeTimeout  = 5 * time.Second
)

// EventMessage is the JSON form of an engine event.
type EventMessage struct {
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	Session    string    `json:"session,omitempty"`
	Notes      int       `json:"notes,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

func newEventMessage(ev interaction.Event) EventMessage {
	msg := EventMessage{
		Kind:       ev.Kind.String(),
		State:      ev.State.String(),
		Session:    ev.Session,
		Notes:      ev.Notes,
		DurationMS: ev.Duration.Milliseconds(),
		At:         ev.At,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Broadcaster fans events out to websocket clients. A client that cannot keep
// up is disconnected.
type Broadcaster struct {
	logger  contracts.Logger
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster(logger contracts.Logger) *Broadcaster {
	return &Broadcaster{logger: logger, clients: map[*client]struct{}{}}
}

// Clients is the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Observe sends ev to every client.
func (b *Broadcaster) Observe(ev interaction.Event) {
	data, err := json.Marshal(newEventMessage(ev))
	if err != nil {
		b.logger.Warn("Failed to encode event", b.logger.Field().Error("error", err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("Dropping slow websocket client", b.logger.Field().String("remote", c.conn.RemoteAddr().String()))
			delete(b.clients, c)
			c.close()
		}
	}
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBacklog)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	go b.readLoop(c)
	b.writeLoop(c)
}

func (b *Broadcaster) remove(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	c.close()
}

// readLoop discards client messages and notices disconnects.
func (b *Broadcaster) readLoop(c *client) {
	defer b.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.remove(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
