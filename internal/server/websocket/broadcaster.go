// Package websocket provides the in-process WebSocket broadcaster for the
// dirwatch live stream. The Broadcaster fans released batches out to every
// connected client without blocking the agent's delivery goroutine.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     batch messages. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to batch delivery.
//   - Clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Unregistering a client closes its channel, which signals the
//     associated write pump to exit.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/dirwatch/internal/agent"
	"github.com/tripwire/dirwatch/internal/watcher"
)

// BatchData holds the batch payload sent to clients as part of a
// BatchMessage envelope.
type BatchData struct {
	BatchID uuid.UUID             `json:"batch_id"`
	FiredAt string                `json:"fired_at"`
	Count   int                   `json:"count"`
	Events  []watcher.ChangeEvent `json:"events"`
}

// BatchMessage is the top-level JSON envelope pushed to WebSocket clients.
// Type is always "batch".
type BatchMessage struct {
	Type string    `json:"type"`
	Data BatchData `json:"data"`
}

// MessageOf builds the envelope for b.
func MessageOf(b agent.Batch) BatchMessage {
	events := b.Events
	if events == nil {
		events = []watcher.ChangeEvent{}
	}
	return BatchMessage{
		Type: "batch",
		Data: BatchData{
			BatchID: b.ID,
			FiredAt: b.FiredAt.UTC().Format(time.RFC3339Nano),
			Count:   len(b.Events),
			Events:  events,
		},
	}
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full

	mu     sync.Mutex
	closed bool
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded batch frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// offer performs a non-blocking send and reports whether raw was queued.
func (c *Client) offer(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.Dropped.Add(1)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Broadcaster fans batches out to all currently-connected WebSocket clients.
// It implements agent.Sink and is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client channel buffer depth. Pass 0 to use the default
// of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) to release resources when the client disconnects.
//
// If the broadcaster is already closed, Register returns a Client whose Send
// channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		c.close()
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Calling Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		v.(*Client).close()
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast marshals msg to JSON and delivers the payload to every registered
// client using a non-blocking send. When a client's buffer is full the
// message is dropped and the client's Dropped counter is incremented.
func (b *Broadcaster) Broadcast(msg BatchMessage) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if !c.offer(raw) && !b.closed.Load() {
			b.logger.Warn("websocket broadcaster: client buffer full, dropping batch",
				slog.String("client_id", c.id),
				slog.String("batch_id", msg.Data.BatchID.String()),
			)
		}
		return true
	})
}

// Deliver implements agent.Sink. It never blocks and never fails; clients
// that cannot keep up lose the batch.
func (b *Broadcaster) Deliver(_ context.Context, batch agent.Batch) error {
	b.Broadcast(MessageOf(batch))
	return nil
}

// Close unregisters every client and closes their channels. After Close
// returns, Broadcast is a no-op and Register returns closed clients.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			value.(*Client).close()
			b.clientCnt.Add(-1)
			return true
		})
	})
}
