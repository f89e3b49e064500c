package supervisorproto

import (
	"bufio"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Conn is a framed message connection over a unix-domain stream socket,
// safe for concurrent writes (reads are expected to be single-reader).
type Conn struct {
	nc net.Conn
	r  *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps an already-established net.Conn.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

// Send writes a message, assigning it a fresh ID if none is set.
func (c *Conn) Send(msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.nc, msg)
}

// Recv blocks for the next frame.
func (c *Conn) Recv() (Message, error) {
	return ReadMessage(c.r)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}
