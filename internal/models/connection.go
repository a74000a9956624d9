package models

import (
	"fmt"
	"strings"
	"time"
)

// Connection is one client/server session and its datagrams in capture order.
type Connection struct {
	ID             uint64
	Datagrams      []*Datagram
	StartTime      time.Time
	Duration       time.Duration
	ClientIP       string
	ServerIP       string
	ClientPort     uint16
	ServerPort     uint16
	ClientProtocol string // e.g. "SSH-2.0-OpenSSH_8.9"
	ServerProtocol string

	// Cached at construction; call Resummarize after changing Datagrams.
	ClientSentDatagrams int
	ServerSentDatagrams int
	ClientSentBytes     int64
	ServerSentBytes     int64

	// Set by the analysers, nil until they run.
	ConnectionType *string
	SteppingStone  *bool
}

// NewConnection builds a connection and derives its per-direction totals.
func NewConnection(id uint64, datagrams []*Datagram) *Connection {
	c := &Connection{ID: id, Datagrams: datagrams}
	c.Resummarize()
	return c
}

// Resummarize recomputes the per-direction datagram and byte totals.
func (c *Connection) Resummarize() {
	c.ClientSentDatagrams, c.ServerSentDatagrams = 0, 0
	c.ClientSentBytes, c.ServerSentBytes = 0, 0
	for _, d := range c.Datagrams {
		if d.Direction.SentByClient() {
			c.ClientSentDatagrams++
			c.ClientSentBytes += int64(d.TotalLen)
		} else {
			c.ServerSentDatagrams++
			c.ServerSentBytes += int64(d.TotalLen)
		}
	}
}

// PayloadDatagrams returns the payload-bearing datagrams sent in dir, in capture order.
// The slice is rebuilt on every call.
func (c *Connection) PayloadDatagrams(dir Direction) []*Datagram {
	var out []*Datagram
	for _, d := range c.Datagrams {
		if d.Direction == dir && d.HasPayload() {
			out = append(out, d)
		}
	}
	return out
}

// PayloadBytes sums the payload lengths sent in dir.
func (c *Connection) PayloadBytes(dir Direction) int64 {
	var n int64
	for _, d := range c.Datagrams {
		if d.Direction == dir {
			n += int64(d.PayloadLen)
		}
	}
	return n
}

// SetConnectionType records the classifier label.
func (c *Connection) SetConnectionType(label string) {
	c.ConnectionType = &label
}

// SetSteppingStone records the stepping-stone verdict.
func (c *Connection) SetSteppingStone(v bool) {
	c.SteppingStone = &v
}

// Endpoints returns "client:port --> server:port".
func (c *Connection) Endpoints() string {
	return fmt.Sprintf("%s:%d --> %s:%d", c.ClientIP, c.ClientPort, c.ServerIP, c.ServerPort)
}

// Summary returns a one-line description of the connection.
func (c *Connection) Summary() string {
	s := fmt.Sprintf("Connection: %s, %s", c.Endpoints(), c.Duration)
	if c.ConnectionType != nil {
		s += ", " + *c.ConnectionType
	}
	if c.SteppingStone != nil && *c.SteppingStone {
		s += ", stepping stone"
	}
	return s
}

func (c *Connection) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Connection: %s\n", c.Endpoints())
	fmt.Fprintf(&sb, "Start date: %s\n", c.StartTime.Format("Jan 02, 2006 - 15:04:05"))
	fmt.Fprintf(&sb, "Duration: %s\n", c.Duration)
	fmt.Fprintf(&sb, "Client: %s\n", c.ClientProtocol)
	fmt.Fprintf(&sb, "Server: %s\n", c.ServerProtocol)
	fmt.Fprintf(&sb, "Datagrams sent by client: %d (%d bytes)\n", c.ClientSentDatagrams, c.ClientSentBytes)
	fmt.Fprintf(&sb, "Datagrams sent by server: %d (%d bytes)", c.ServerSentDatagrams, c.ServerSentBytes)
	if c.ConnectionType != nil {
		fmt.Fprintf(&sb, "\nConnection type: %s", *c.ConnectionType)
	}
	if c.SteppingStone != nil {
		fmt.Fprintf(&sb, "\nStepping stone: %t", *c.SteppingStone)
	}
	return sb.String()
}
