// ABOUTME: TCP client for the radio companion daemon, newline-delimited JSON frames
// ABOUTME: Maintains the connection with backoff; sends are correlated with acks by id

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	dialBackoffInitial = time.Second
	dialBackoffMax     = 60 * time.Second
	defaultSendTimeout = 10 * time.Second
	maxFrameBytes      = 64 * 1024
)

// frame is one newline-delimited JSON message on the companion socket.
// Outbound: type "send". Inbound: type "message" (mesh traffic) and
// type "ack" (response to a send, correlated by id).
type frame struct {
	Type    string `json:"type"`
	ID      int64  `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Text    string `json:"text,omitempty"`
	TS      int64  `json:"ts,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Companion talks to the radio companion daemon over TCP. A background loop
// owns the connection: it dials with exponential backoff, reads inbound
// frames, and routes acks back to in-flight sends. Send and Receive are safe
// for concurrent use.
type Companion struct {
	addr        string
	sendTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	nextID    int64
	pending   map[int64]chan frame

	inbound chan Inbound
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewCompanion creates a client for the companion daemon at addr and starts
// its connection loop. sendTimeout bounds each Send; zero means the default.
func NewCompanion(addr string, sendTimeout time.Duration) *Companion {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	c := &Companion{
		addr:        addr,
		sendTimeout: sendTimeout,
		logger:      slog.Default().With("component", "transport"),
		pending:     make(map[int64]chan frame),
		inbound:     make(chan Inbound, 64),
		done:        make(chan struct{}),
	}
	c.wg.Add(1)
	go c.connectLoop()
	return c
}

// Connected reports whether the socket to the companion daemon is up.
func (c *Companion) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Receive returns the stream of inbound mesh messages. The channel stays open
// across reconnects and closes only when the client is closed.
func (c *Companion) Receive(ctx context.Context) <-chan Inbound {
	return c.inbound
}

// Send hands one message to the companion daemon and waits for its ack.
// An ack with ok=false is Rejected; a missing connection, write failure,
// or ack timeout is Unavailable.
func (c *Companion) Send(ctx context.Context, channel, text string) (Result, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Unavailable, errors.New("companion not connected")
	}
	c.nextID++
	id := c.nextID
	ackCh := make(chan frame, 1)
	c.pending[id] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	deadline := time.Now().Add(c.sendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	payload, err := json.Marshal(frame{Type: "send", ID: id, Channel: channel, Text: text})
	if err != nil {
		return Rejected, fmt.Errorf("encoding send frame: %w", err)
	}

	conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		// The read loop will notice the broken socket and reconnect.
		return Unavailable, fmt.Errorf("writing send frame: %w", err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case ack, ok := <-ackCh:
		if !ok {
			// Connection dropped while the send was in flight.
			return Unavailable, errors.New("companion disconnected before ack")
		}
		if ack.OK {
			return Accepted, nil
		}
		return Rejected, fmt.Errorf("companion rejected message: %s", ack.Error)
	case <-timer.C:
		return Unavailable, errors.New("timed out waiting for companion ack")
	case <-ctx.Done():
		return Unavailable, ctx.Err()
	case <-c.done:
		return Unavailable, errors.New("companion client closed")
	}
}

// Close shuts down the connection loop and closes the receive stream.
func (c *Companion) Close() error {
	close(c.done)

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	close(c.inbound)
	return nil
}

// connectLoop dials the companion daemon, runs the read loop until the
// connection drops, and redials with exponential backoff.
func (c *Companion) connectLoop() {
	defer c.wg.Done()

	backoff := dialBackoffInitial
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", c.addr, 10*time.Second)
		if err != nil {
			c.logger.Warn("companion dial failed", "addr", c.addr, "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-c.done:
				return
			}
			backoff *= 2
			if backoff > dialBackoffMax {
				backoff = dialBackoffMax
			}
			continue
		}

		c.logger.Info("companion connected", "addr", c.addr)
		backoff = dialBackoffInitial

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.connected = false
		// In-flight sends on the dead socket get an unavailable timeout;
		// drop their routes so late acks can't cross connections.
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		conn.Close()
	}
}

// readLoop consumes frames until the connection fails or the client closes.
func (c *Companion) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxFrameBytes)

	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}

		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			c.logger.Warn("skipping malformed companion frame", "error", err)
			continue
		}

		switch f.Type {
		case "ack":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
		case "message":
			ts := f.TS
			if ts == 0 {
				ts = time.Now().Unix()
			}
			msg := Inbound{Channel: f.Channel, Sender: f.Sender, Text: f.Text, TS: ts}
			select {
			case c.inbound <- msg:
			case <-c.done:
				return
			}
		default:
			c.logger.Debug("ignoring companion frame", "type", f.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("companion connection lost", "error", err)
	} else {
		c.logger.Info("companion closed connection")
	}
}

var _ Adapter = (*Companion)(nil)
