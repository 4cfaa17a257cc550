package gateway

import (
	"context"
	"net"
	"testing"
	"time"
)

func pipeConnection(t *testing.T, id string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &Connection{ID: id, Conn: server, CreatedAt: time.Now()}, client
}

func TestConnection_BindUser(t *testing.T) {
	c, _ := pipeConnection(t, "c1")

	if c.UserID() != "" {
		t.Errorf("fresh connection should have no user, got %q", c.UserID())
	}
	c.BindUser("u1")
	if c.UserID() != "u1" {
		t.Errorf("expected u1, got %q", c.UserID())
	}
	// A rejoin rebinds.
	c.BindUser("u2")
	if c.UserID() != "u2" {
		t.Errorf("expected u2 after rebind, got %q", c.UserID())
	}
}

func TestConnection_StartSearchCancelsPrevious(t *testing.T) {
	c, _ := pipeConnection(t, "c1")

	ctx1, cancel1 := context.WithCancel(context.Background())
	c.StartSearch(cancel1)

	ctx2, cancel2 := context.WithCancel(context.Background())
	c.StartSearch(cancel2)

	select {
	case <-ctx1.Done():
	default:
		t.Error("starting a new search must cancel the previous loop")
	}
	select {
	case <-ctx2.Done():
		t.Error("the new search loop must stay live")
	default:
	}

	c.StopSearch()
	select {
	case <-ctx2.Done():
	default:
		t.Error("StopSearch must cancel the active loop")
	}
	// Idempotent with nothing running.
	c.StopSearch()
}

func TestConnectionManager_Lifecycle(t *testing.T) {
	cm := NewConnectionManager()
	c, peer := pipeConnection(t, "c1")

	cm.Add(c)
	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}
	if cm.Get("c1") != c {
		t.Fatal("Get should return the registered connection")
	}
	if cm.Get("ghost") != nil {
		t.Fatal("unknown IDs resolve to nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.StartSearch(cancel)

	if !cm.Remove("c1") {
		t.Fatal("first Remove should report the connection")
	}
	if cm.Remove("c1") {
		t.Fatal("second Remove must be a no-op")
	}
	if cm.Count() != 0 {
		t.Errorf("expected empty manager, got %d", cm.Count())
	}

	// Remove stops the search loop and closes the socket.
	select {
	case <-ctx.Done():
	default:
		t.Error("Remove must cancel the connection's search loop")
	}
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(make([]byte, 1)); err == nil {
		t.Error("Remove must close the underlying connection")
	}
}

func TestConnectionManager_All(t *testing.T) {
	cm := NewConnectionManager()
	c1, _ := pipeConnection(t, "c1")
	c2, _ := pipeConnection(t, "c2")
	cm.Add(c1)
	cm.Add(c2)

	seen := make(map[string]bool)
	for _, c := range cm.All() {
		seen[c.ID] = true
	}
	if !seen["c1"] || !seen["c2"] || len(seen) != 2 {
		t.Errorf("unexpected snapshot: %v", seen)
	}
}
