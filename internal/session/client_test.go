package session

import (
	"sync/atomic"
	"testing"
)

func newTestClient(bufSize int) *Client {
	return NewClient(nil, bufSize)
}

func TestSetUserID(t *testing.T) {
	c := newTestClient(10)
	if c.UserID() != "" {
		t.Fatal("new client should be anonymous")
	}
	c.SetUserID("42")
	if c.UserID() != "42" {
		t.Fatalf("UserID() = %q, want 42", c.UserID())
	}
}

func TestSendDropsDroppableWhenFull(t *testing.T) {
	c := newTestClient(2)
	c.send("price", []byte("p1"), true)
	c.send("price", []byte("p2"), true)
	c.send("price", []byte("p3"), true) // queue full of droppable, evict the oldest

	if len(c.queue) != 2 {
		t.Fatalf("queue len = %d, want 2", len(c.queue))
	}
	if atomic.LoadUint64(&c.Dropped) != 1 {
		t.Fatalf("Dropped = %d, want 1", c.Dropped)
	}
}

func TestSendEvictsDroppableForCritical(t *testing.T) {
	c := newTestClient(2)
	c.send("price", []byte("p1"), true)
	c.send("price", []byte("p2"), true)
	c.send("trade", []byte("t1"), false) // must not be dropped; evicts oldest droppable

	if len(c.queue) != 2 {
		t.Fatalf("queue len = %d, want 2", len(c.queue))
	}
	found := false
	for _, m := range c.queue {
		if m.msgType == "trade" {
			found = true
		}
	}
	if !found {
		t.Fatal("trade message should survive eviction")
	}
	if atomic.LoadUint64(&c.Dropped) != 1 {
		t.Fatalf("Dropped = %d, want 1", c.Dropped)
	}
}

func TestSendNeverDropsCriticalWhenQueueFullOfCritical(t *testing.T) {
	c := newTestClient(1)
	c.send("order_accepted", []byte("a"), false)
	c.send("trade", []byte("b"), false) // no droppable to evict; must still be kept

	if len(c.queue) != 2 {
		t.Fatalf("queue len = %d, want 2 (critical messages are never dropped)", len(c.queue))
	}
	if atomic.LoadUint64(&c.Dropped) != 0 {
		t.Fatalf("Dropped = %d, want 0", c.Dropped)
	}
}

func TestDrain(t *testing.T) {
	c := newTestClient(10)
	c.send("price", []byte("p1"), true)
	c.send("price", []byte("p2"), true)

	msgs := c.drain()
	if len(msgs) != 2 {
		t.Fatalf("drain returned %d messages, want 2", len(msgs))
	}
	if len(c.queue) != 0 {
		t.Fatal("queue should be empty after drain")
	}
}

func TestUniqueIDs(t *testing.T) {
	c1 := newTestClient(10)
	c2 := newTestClient(10)
	c3 := newTestClient(10)
	if c1.ID == c2.ID || c2.ID == c3.ID || c1.ID == c3.ID {
		t.Fatalf("client IDs should be unique: %s, %s, %s", c1.ID, c2.ID, c3.ID)
	}
}
