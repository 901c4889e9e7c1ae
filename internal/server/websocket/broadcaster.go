// Package websocket provides the in-process WebSocket broadcaster for live
// DMTP event telemetry. The Broadcaster fans newly decoded events out to all
// currently-connected browser clients without blocking the duplex/simplex
// ingestion goroutines that produced them.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     event messages. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to the ingestion
//     goroutine that called Publish.
//   - Named clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Anonymous subscribers (used by the integration layer) receive
//     model.EventRecord values directly via a second sync.Map.
//   - Closing a subscription or unregistering a client signals the associated
//     WebSocket pump goroutine to exit cleanly.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opendmtp/server/internal/model"
)

// EventData holds the structured event payload sent to browser clients as
// part of an EventMessage envelope (spec.md §3 "Event record").
type EventData struct {
	AccountID  string  `json:"account_id"`
	DeviceID   string  `json:"device_id"`
	Timestamp  string  `json:"timestamp"`
	StatusCode int64   `json:"status_code"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// EventMessage is the top-level JSON envelope pushed to browser WebSocket
// clients. Type is always "event" for decoded DMTP events.
type EventMessage struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded event frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans event records out to all currently-connected WebSocket
// clients (via Register/Unregister/Broadcast) and to all anonymous channel
// subscribers (via Subscribe/Unsubscribe/Publish). It is safe for concurrent
// use, and its Publish method satisfies the Broadcaster dependency of
// internal/server/duplex and internal/server/simplex.
type Broadcaster struct {
	// Named WebSocket clients — keyed by string client ID.
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	// Anonymous subscribers — keyed by the receive-only channel pointer.
	subs sync.Map // map[<-chan model.EventRecord]chan model.EventRecord

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client and per-subscriber channel buffer depth. Pass 0
// to use the default of 64.
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
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel so the associated write goroutine exits cleanly. Calling
// Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
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
func (b *Broadcaster) Broadcast(msg EventMessage) {
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
		select {
		case c.send <- raw:
			// delivered
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping event",
				slog.String("client_id", c.id),
			)
		}
		return true // continue ranging
	})
}

// Subscribe registers an anonymous subscriber and returns a channel on which
// model.EventRecord values will be delivered. The channel is buffered; when
// the buffer is full a subsequent Publish call drops the event for that
// subscriber rather than blocking.
//
// The channel is closed automatically when ctx is cancelled or when Close is
// called. Call Unsubscribe to release resources before the context is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan model.EventRecord {
	ch := make(chan model.EventRecord, b.bufSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subs.Store(ch, ch)

	// Unsubscribe automatically when the caller's context is cancelled.
	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}

	return ch
}

// Unsubscribe removes the subscription associated with ch and closes the
// channel so the consumer loop exits cleanly. It is safe to call Unsubscribe
// after the broadcaster has been closed.
func (b *Broadcaster) Unsubscribe(ch <-chan model.EventRecord) {
	if actual, loaded := b.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan model.EventRecord))
	}
}

// Publish delivers rec to every anonymous subscriber and also converts it to
// an EventMessage that is broadcast to every registered WebSocket client.
//
// The non-blocking select/default pattern ensures that a slow subscriber or
// client never stalls the ingestion goroutine that decoded rec.
func (b *Broadcaster) Publish(rec model.EventRecord) {
	if b.closed.Load() {
		return
	}

	// Deliver to Subscribe() subscribers as raw model.EventRecord.
	b.subs.Range(func(key, value any) bool {
		ch := value.(chan model.EventRecord)
		select {
		case ch <- rec:
			// delivered
		default:
			b.logger.Warn("websocket broadcaster: subscriber buffer full, dropping event",
				slog.String("account_id", rec.AccountID),
				slog.String("device_id", rec.DeviceID),
			)
		}
		return true // continue ranging
	})

	// Convert to EventMessage and fan out to registered WebSocket clients.
	ev := rec.Event
	ts := time.Unix(ev.GetLong("timestamp", -1, 0), 0).UTC().Format(time.RFC3339)
	gps := ev.GPS()
	b.Broadcast(EventMessage{
		Type: "event",
		Data: EventData{
			AccountID:  rec.AccountID,
			DeviceID:   rec.DeviceID,
			Timestamp:  ts,
			StatusCode: ev.GetLong("statusCode", -1, 0),
			Latitude:   gps.Latitude,
			Longitude:  gps.Longitude,
		},
	})
}

// Close removes all subscriptions and registered clients, closes every
// channel, and releases internal resources. After Close returns,
// Publish and Broadcast are no-ops and Subscribe returns a closed channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		// Close all anonymous subscriber channels.
		b.subs.Range(func(key, value any) bool {
			b.subs.Delete(key)
			close(value.(chan model.EventRecord))
			return true
		})

		// Close all registered WebSocket client channels.
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
