package bridge

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/channel"
	"github.com/dokzlo13/sporewatch/internal/command"
	"github.com/dokzlo13/sporewatch/internal/device"
	"github.com/dokzlo13/sporewatch/internal/eventbus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Message types.
const (
	TypeState    = "state"
	TypeAspect   = "aspect"
	TypeStatus   = "status"
	TypeCommand  = "command"
	TypeDispatch = "dispatch"
	TypeResult   = "result"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeError    = "error"
)

// Message is one WebSocket frame in either direction.
//
// Clients send dispatch (with id and command), state and ping. The server
// sends state, aspect, status, command and result frames.
type Message struct {
	Type      string           `json:"type"`
	ID        string           `json:"id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Aspect    string           `json:"aspect,omitempty"`
	Data      any              `json:"data,omitempty"`
	Error     string           `json:"error,omitempty"`
	Command   *command.Command `json:"command,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a connected WebSocket peer. It holds a device reader for as
// long as it is connected.
type Client struct {
	ID     string
	conn   *websocket.Conn
	reader *device.Reader

	mu     sync.Mutex
	send   chan Message
	closed bool
}

// trySend queues msg without blocking. It reports false when the client is
// gone or too slow.
func (c *Client) trySend(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.reader.Detach()
}

// Hub tracks connected clients and fans device events out to them.
type Hub struct {
	store    *device.Store
	dispatch Dispatcher

	clients    map[string]*Client
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	done       chan struct{}
}

// NewHub creates a hub. Call Run to start it.
func NewHub(store *device.Store, d Dispatcher) *Hub {
	return &Hub{
		store:      store,
		dispatch:   d,
		clients:    make(map[string]*Client),
		broadcast:  make(chan Message, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run is the hub event loop. On exit every client is disconnected.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for id, client := range h.clients {
			delete(h.clients, id)
			client.close()
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Str("client", client.ID).Int("total", total).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
			}
			total := len(h.clients)
			h.mu.Unlock()
			client.close()
			log.Info().Str("client", client.ID).Int("total", total).Msg("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				if !client.trySend(msg) {
					log.Debug().Str("client", client.ID).Str("type", msg.Type).Msg("Client send buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Clients returns how many clients are connected.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client. Dropped when the hub is backed up.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		log.Warn().Str("type", msg.Type).Msg("WebSocket broadcast queue full, dropping message")
	}
}

func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		c.close()
	}
}

// Watch forwards device events from the bus to all clients.
func (h *Hub) Watch(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeAspectChanged, func(ev eventbus.Event) {
		h.Broadcast(Message{Type: TypeAspect, Aspect: ev.Aspect, Data: h.aspectData(ev.Aspect)})
	})
	bus.Subscribe(eventbus.EventTypeStatusChanged, func(ev eventbus.Event) {
		h.Broadcast(Message{Type: TypeStatus, Aspect: ev.Aspect, Data: ev.Data["status"]})
	})
	bus.Subscribe(eventbus.EventTypeCommand, func(ev eventbus.Event) {
		h.Broadcast(Message{Type: TypeCommand, Aspect: ev.Aspect, Data: ev.Data})
	})
}

// aspectData reads the current value of one aspect.
func (h *Hub) aspectData(aspect string) any {
	switch device.Aspect(aspect) {
	case device.AspectSnapshot:
		return h.store.Snapshot()
	case device.AspectActuator:
		return h.store.ActuatorPosition()
	case device.AspectSlots:
		return h.store.Slots()
	case device.AspectLight:
		return h.store.LightConfig()
	case device.AspectCamera:
		return h.store.CameraURL()
	case device.AspectModel:
		return h.store.Model()
	}
	if name, ok := strings.CutPrefix(aspect, "series:"); ok {
		return h.store.LastN(channel.Metric(name), 1)
	}
	if name, ok := strings.CutPrefix(aspect, "reading:"); ok {
		return h.store.Reading(channel.Metric(name))
	}
	return nil
}

// Serve upgrades the request and runs the client until it disconnects.
func (h *Hub) Serve(c *gin.Context) {
	reader, err := h.store.Attach()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		reader.Detach()
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		conn:   ws,
		reader: reader,
		send:   make(chan Message, sendBuffer),
	}
	client.trySend(Message{Type: TypeState, Data: h.store.View()})

	if !h.registerClient(client) {
		client.close()
		ws.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) readPump(client *Client) {
	defer func() {
		h.unregisterClient(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(64 * 1024)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", client.ID).Msg("WebSocket read error")
			}
			return
		}

		switch msg.Type {
		case TypePing:
			client.trySend(Message{Type: TypePong, ID: msg.ID})
		case TypeState:
			client.trySend(Message{Type: TypeState, ID: msg.ID, Data: h.store.View()})
		case TypeDispatch:
			h.handleDispatch(client, msg)
		default:
			client.trySend(Message{Type: TypeError, ID: msg.ID, Error: "unknown message type " + msg.Type})
		}
	}
}

// handleDispatch answers with a result frame once the write finished, or
// right away when the command is rejected.
func (h *Hub) handleDispatch(client *Client, msg Message) {
	if msg.Command == nil {
		client.trySend(Message{Type: TypeResult, ID: msg.ID, Error: "missing command"})
		return
	}
	cmd := *msg.Command
	kind, err := command.ParseKind(string(cmd.Kind))
	if err != nil {
		client.trySend(Message{Type: TypeResult, ID: msg.ID, Error: err.Error()})
		return
	}
	cmd.Kind = kind

	result, err := h.dispatch.Dispatch(cmd)
	if err != nil {
		client.trySend(Message{Type: TypeResult, ID: msg.ID, Error: err.Error(), Command: &cmd})
		return
	}

	go func() {
		reply := Message{Type: TypeResult, ID: msg.ID, Data: "written", Command: &cmd}
		if err := <-result; err != nil {
			reply.Data = nil
			reply.Error = err.Error()
		}
		client.trySend(reply)
	}()
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("client", client.ID).Msg("WebSocket write failed")
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
