package realtime

import (
	"errors"
	"sync"
)

var (
	errQueueFull = errors.New("send queue full")
	errClosed    = errors.New("connection closed")
)

// Sender writes events to one client. Implementations need not be safe for
// concurrent use; each connection calls Send from a single goroutine.
type Sender interface {
	Send(ev Event) error
	Close() error
}

// Connection is one live client attached to an item.
type Connection struct {
	ID       string
	ItemID   string
	UserID   string
	UserName string

	sender Sender
	send   chan Event
	done   chan struct{}
	once   sync.Once
}

func newConnection(id, itemID, userID, userName string, s Sender, buffer int) *Connection {
	return &Connection{
		ID:       id,
		ItemID:   itemID,
		UserID:   userID,
		UserName: userName,
		sender:   s,
		send:     make(chan Event, buffer),
		done:     make(chan struct{}),
	}
}

// enqueue never blocks. A full or closed queue is reported to the caller.
func (c *Connection) enqueue(ev Event) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return errQueueFull
	}
}

// writeLoop drains the queue until the connection is stopped or a write
// fails. onErr is called at most once.
func (c *Connection) writeLoop(onErr func(*Connection, error)) {
	defer c.sender.Close()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			if err := c.sender.Send(ev); err != nil {
				onErr(c, err)
				return
			}
		}
	}
}

func (c *Connection) stop() {
	c.once.Do(func() { close(c.done) })
}
