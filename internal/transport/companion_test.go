// ABOUTME: Tests for the companion TCP client against an in-process fake daemon
// ABOUTME: Covers ack correlation, rejection, inbound routing, and disconnection

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDaemon accepts one connection and answers send frames per script.
type fakeDaemon struct {
	t        *testing.T
	listener net.Listener
	accept   bool
	reject   string
}

func newFakeDaemon(t *testing.T, accept bool, reject string) *fakeDaemon {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	d := &fakeDaemon{t: t, listener: l, accept: accept, reject: reject}
	go d.serve()
	return d
}

func (d *fakeDaemon) addr() string { return d.listener.Addr().String() }

func (d *fakeDaemon) serve() {
	conn, err := d.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			continue
		}
		if f.Type != "send" {
			continue
		}
		ack := frame{Type: "ack", ID: f.ID, OK: d.accept, Error: d.reject}
		payload, _ := json.Marshal(ack)
		conn.Write(append(payload, '\n'))
	}
}

func waitConnected(t *testing.T, c *Companion) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("companion never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCompanionSendAccepted(t *testing.T) {
	d := newFakeDaemon(t, true, "")
	c := NewCompanion(d.addr(), 2*time.Second)
	defer c.Close()
	waitConnected(t, c)

	result, err := c.Send(context.Background(), "general", "hello mesh")
	require.NoError(t, err)
	require.Equal(t, Accepted, result)
}

func TestCompanionSendRejected(t *testing.T) {
	d := newFakeDaemon(t, false, "message too long")
	c := NewCompanion(d.addr(), 2*time.Second)
	defer c.Close()
	waitConnected(t, c)

	result, err := c.Send(context.Background(), "general", "hello")
	require.Error(t, err)
	require.Equal(t, Rejected, result)
	require.Contains(t, err.Error(), "message too long")
}

func TestCompanionSendWhileDisconnected(t *testing.T) {
	// Nothing is listening on this address.
	c := NewCompanion("127.0.0.1:1", time.Second)
	defer c.Close()

	result, err := c.Send(context.Background(), "general", "hello")
	require.Error(t, err)
	require.Equal(t, Unavailable, result)
}

func TestCompanionReceivesInbound(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		payload, _ := json.Marshal(frame{
			Type: "message", Channel: "general", Sender: "KD7ABC", Text: "from the mesh", TS: 1234,
		})
		conn.Write(append(payload, '\n'))
		// Hold the connection open so the client stays connected.
		buf := make([]byte, 1)
		conn.Read(buf)
	}()

	c := NewCompanion(l.Addr().String(), time.Second)
	defer c.Close()

	select {
	case msg := <-c.Receive(context.Background()):
		require.Equal(t, "general", msg.Channel)
		require.Equal(t, "KD7ABC", msg.Sender)
		require.Equal(t, "from the mesh", msg.Text)
		require.Equal(t, int64(1234), msg.TS)
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message received")
	}
}

func TestCompanionSkipsMalformedFrames(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("this is not json\n"))
		payload, _ := json.Marshal(frame{Type: "message", Channel: "general", Sender: "x", Text: "ok", TS: 1})
		conn.Write(append(payload, '\n'))
		buf := make([]byte, 1)
		conn.Read(buf)
	}()

	c := NewCompanion(l.Addr().String(), time.Second)
	defer c.Close()

	select {
	case msg := <-c.Receive(context.Background()):
		require.Equal(t, "ok", msg.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("valid frame after malformed one was not delivered")
	}
}
