package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/btc1m/exchange/internal/metrics"
)

// outboundMsg is a pre-marshalled payload queued for one client.
// droppable messages (price, orderbook) are the only ones ever evicted
// under backpressure (spec §9).
type outboundMsg struct {
	msgType   string
	data      []byte
	droppable bool
}

// Client is one connected WebSocket session. It starts anonymous; auth
// binds it to a userID for the rest of its lifetime. Outbound messages
// queue in a bounded deque guarded by mu: when full, the oldest droppable
// entry is evicted to make room for a non-droppable one, generalising the
// teacher's buffered-channel-with-drop-counter pattern to a priority queue
// of exactly two classes.
type Client struct {
	ID   string
	Conn *websocket.Conn

	mu     sync.Mutex
	userID string
	queue  []outboundMsg
	cap    int
	wake   chan struct{}

	done      chan struct{}
	closeOnce sync.Once

	Dropped uint64
}

// NewClient wraps a WebSocket connection in a Client with a bounded
// outbound queue of the given capacity. Each connection gets a random
// UUID identity, independent of the authenticated user ID bound later.
func NewClient(conn *websocket.Conn, bufferSize int) *Client {
	return &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		cap:  bufferSize,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// UserID returns the bound user ID, or "" if still anonymous.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetUserID binds the connection to an authenticated user.
func (c *Client) SetUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// send enqueues a message, evicting the oldest droppable entry if the queue
// is full. If the queue is full of non-droppable entries, a new droppable
// message is discarded instead and a new non-droppable one is appended past
// the capacity.
func (c *Client) send(msgType string, data []byte, droppable bool) {
	msg := outboundMsg{msgType: msgType, data: data, droppable: droppable}

	c.mu.Lock()
	if len(c.queue) >= c.cap {
		if evicted := c.evictOldestDroppableLocked(); evicted || droppable {
			if !evicted {
				c.mu.Unlock()
				atomic.AddUint64(&c.Dropped, 1)
				metrics.WSDroppedMessages.WithLabelValues(msgType).Inc()
				return
			}
		}
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// evictOldestDroppableLocked removes the oldest droppable entry from the
// queue, if any, under the caller's held lock. Reports whether it evicted.
func (c *Client) evictOldestDroppableLocked() bool {
	for i, m := range c.queue {
		if m.droppable {
			atomic.AddUint64(&c.Dropped, 1)
			metrics.WSDroppedMessages.WithLabelValues(m.msgType).Inc()
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// drain removes and returns every currently queued message.
func (c *Client) drain() []outboundMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

// Done returns a channel closed when the client disconnects.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close terminates the connection, idempotently.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}
