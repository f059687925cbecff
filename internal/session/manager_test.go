package session

import (
	"log/slog"
	"io"
	"testing"
)

func testLoggerM() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager() *Manager {
	return NewManager(100, testLoggerM())
}

func TestBindUserRoutesSendToUser(t *testing.T) {
	m := newTestManager()
	c := m.Register(nil)
	m.BindUser(c, "u1")

	m.SendToUser("u1", "balance_update", []byte("hi"), false)

	msgs := c.drain()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message delivered to bound user, got %d", len(msgs))
	}
}

func TestSendToUserNoConnectionsIsNoop(t *testing.T) {
	m := newTestManager()
	m.SendToUser("ghost", "balance_update", []byte("hi"), false) // must not panic
}

func TestBroadcastReachesAllClients(t *testing.T) {
	m := newTestManager()
	c1 := m.Register(nil)
	c2 := m.Register(nil)

	m.Broadcast("price", []byte("tick"), true)

	if len(c1.drain()) != 1 || len(c2.drain()) != 1 {
		t.Fatal("broadcast should reach every connected client")
	}
}

func TestUnregisterRemovesFromUserIndex(t *testing.T) {
	m := newTestManager()
	c := m.Register(nil)
	m.BindUser(c, "u1")
	m.Unregister(c)

	m.SendToUser("u1", "balance_update", []byte("hi"), false) // must not panic, must not deliver
	if m.ClientCount() != 0 {
		t.Fatalf("ClientCount() = %d, want 0", m.ClientCount())
	}
}

func TestClientCount(t *testing.T) {
	m := newTestManager()
	if m.ClientCount() != 0 {
		t.Fatal("new manager should have 0 clients")
	}
	c := m.Register(nil)
	if m.ClientCount() != 1 {
		t.Fatal("ClientCount should be 1 after Register")
	}
	m.Unregister(c)
	if m.ClientCount() != 0 {
		t.Fatal("ClientCount should be 0 after Unregister")
	}
}
