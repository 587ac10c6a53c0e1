// Package websocket streams function lifecycle transitions to connected
// WebSocket clients. The Broadcaster is a function.Observer: it runs under
// the observed function's lock, so delivery never blocks. A slow client
// loses messages instead of stalling the namespace.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/bpffs/internal/function"
)

// TransitionData is the payload of a "transition" message.
type TransitionData struct {
	Function     string `json:"function"`
	Op           string `json:"op"`
	From         string `json:"from"`
	To           string `json:"to"`
	Kind         string `json:"kind,omitempty"`
	Event        string `json:"event,omitempty"`
	Stage        string `json:"stage,omitempty"`
	Message      string `json:"message,omitempty"`
	AutoDetached bool   `json:"auto_detached,omitempty"`
	Time         string `json:"time"`
}

// Message is the envelope pushed to clients.
type Message struct {
	Type string         `json:"type"`
	Data TransitionData `json:"data"`
}

// MessageFromTransition converts a lifecycle transition into a Message.
func MessageFromTransition(t function.Transition) Message {
	d := TransitionData{
		Function:     t.Function,
		Op:           string(t.Op),
		From:         t.From.String(),
		To:           t.To.String(),
		Kind:         string(t.Kind),
		Event:        t.Event,
		AutoDetached: t.AutoDetached,
		Time:         t.Time.UTC().Format(time.RFC3339Nano),
	}
	if t.Diagnostic != nil {
		d.Stage = string(t.Diagnostic.Stage)
		d.Message = t.Diagnostic.Message
	}
	return Message{Type: "transition", Data: d}
}

// Client is one connected subscriber. It is valid until Unregister.
type Client struct {
	id       string
	function string
	send     chan []byte
	Dropped  atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel of JSON-encoded frames for this client. It is
// closed on Unregister or Close.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans transitions out to registered clients. It is safe for
// concurrent use.
type Broadcaster struct {
	// mu is held for reading while sending so Unregister never closes a
	// channel mid-send.
	mu        sync.RWMutex
	clients   map[string]*Client
	clientCnt atomic.Int64
	closed    bool

	bufSize int
	logger  *slog.Logger
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client buffer
// depth; zero selects 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{clients: make(map[string]*Client), bufSize: bufSize, logger: logger}
}

// Register adds a client. A non-empty fn limits it to that function's
// transitions. On a closed Broadcaster the returned client's channel is
// already closed.
func (b *Broadcaster) Register(id, fn string) *Client {
	c := &Client{id: id, function: fn, send: make(chan []byte, b.bufSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.send)
		return c
	}
	if old, ok := b.clients[id]; ok {
		close(old.send)
		b.clientCnt.Add(-1)
	}
	b.clients[id] = c
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client and closes its channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast delivers msg to every interested client without blocking.
func (b *Broadcaster) Broadcast(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket: marshal failed", slog.Any("error", err))
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		if c.function != "" && c.function != msg.Data.Function {
			continue
		}
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket: client buffer full, dropping transition",
				slog.String("client_id", c.id),
				slog.String("function", msg.Data.Function),
			)
		}
	}
}

// Observe is a function.Observer.
func (b *Broadcaster) Observe(t function.Transition) {
	if b.clientCnt.Load() == 0 {
		return
	}
	b.Broadcast(MessageFromTransition(t))
}

// Close unregisters every client. Afterwards Register returns closed
// clients. Close is idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}
