// Package sandbox simulates the environment API a GUI talks to. A
// ClientConnection stands in for the socket; an API bound to it speaks one
// of two wire dialects against a fakebackend.State.
package sandbox

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/zot/sandbox/internal/loop"
)

// Protocol-state errors. These are returned to the caller, never sent as
// messages.
var (
	ErrConnectionClosed    = errors.New("INVALID_STATE_ERR : Connection is closed.")
	ErrOpenToAnotherClient = errors.New("INVALID_STATE_ERR : Connection is open to another client.")
)

// Peer is the API end of a connection.
type Peer interface {
	// Open binds the peer to the connection.
	Open(conn *ClientConnection) error
	// Close unbinds it.
	Close()
	// Receive handles one serialized frame from the client.
	Receive(data []byte) error
}

// MessageEvent is what OnMessage receives. Data is always serialized text.
type MessageEvent struct {
	Data string
}

// ClientConnection is an in-process stand-in for a websocket. All methods
// must be called from the loop that owns the connection's scheduler.
type ClientConnection struct {
	peer      Peer
	scheduler loop.Scheduler
	connected bool

	OnOpen    func()
	OnClose   func()
	OnMessage func(MessageEvent)
}

// NewClientConnection creates a closed connection to peer. Deferred
// deliveries and timers go through scheduler.
func NewClientConnection(peer Peer, scheduler loop.Scheduler) *ClientConnection {
	return &ClientConnection{peer: peer, scheduler: scheduler}
}

// Scheduler returns the scheduler deferred work runs on.
func (c *ClientConnection) Scheduler() loop.Scheduler {
	return c.scheduler
}

// Connected reports whether the connection is open.
func (c *ClientConnection) Connected() bool {
	return c.connected
}

// Open connects to the peer. Opening an open connection does nothing.
func (c *ClientConnection) Open() error {
	if c.connected {
		return nil
	}
	c.connected = true
	if err := c.peer.Open(c); err != nil {
		c.connected = false
		return err
	}
	if c.OnOpen != nil {
		c.OnOpen()
	}
	return nil
}

// Close disconnects. Closing a closed connection does nothing.
func (c *ClientConnection) Close() {
	if !c.connected {
		return
	}
	c.connected = false
	c.peer.Close()
	if c.OnClose != nil {
		c.OnClose()
	}
}

// Send hands a serialized frame to the peer.
func (c *ClientConnection) Send(data []byte) error {
	if !c.connected {
		return ErrConnectionClosed
	}
	return c.peer.Receive(data)
}

// ReceiveNow serializes v and delivers it to OnMessage before returning.
func (c *ClientConnection) ReceiveNow(v any) error {
	if !c.connected {
		return ErrConnectionClosed
	}
	data, err := serialize(v)
	if err != nil {
		return err
	}
	c.deliver(data)
	return nil
}

// Receive serializes v now and delivers it on a later turn of the loop.
// A frame still queued when the connection closes is dropped.
func (c *ClientConnection) Receive(v any) error {
	if !c.connected {
		return ErrConnectionClosed
	}
	data, err := serialize(v)
	if err != nil {
		return err
	}
	c.scheduler.Post(func() {
		if c.connected {
			c.deliver(data)
		}
	})
	return nil
}

func (c *ClientConnection) deliver(data string) {
	if c.OnMessage != nil {
		c.OnMessage(MessageEvent{Data: data})
	}
}

func serialize(v any) (string, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return string(raw), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "serializing frame")
	}
	return string(data), nil
}
