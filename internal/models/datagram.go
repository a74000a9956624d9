package models

import (
	"fmt"
	"strings"
	"time"
)

// Direction tells which endpoint sent a datagram.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == ClientToServer {
		return ServerToClient
	}
	return ClientToServer
}

// SentByClient reports whether d is the client-to-server direction.
func (d Direction) SentByClient() bool {
	return d == ClientToServer
}

func (d Direction) String() string {
	if d == ClientToServer {
		return "client"
	}
	return "server"
}

// Datagram is one observed packet of a connection.
type Datagram struct {
	Direction  Direction
	Timestamp  time.Time
	Seq        int64
	TotalLen   int
	PayloadLen int
	AckSeq     int64 // meaningful only when HasAck is set
	HasAck     bool

	rtt    time.Duration
	rttSet bool
}

// RTT returns the estimated round-trip time and whether one has been set.
// An unset RTT means there is no timing evidence; it is not a zero RTT.
func (d *Datagram) RTT() (time.Duration, bool) {
	return d.rtt, d.rttSet
}

// SetRTT overwrites the estimated round-trip time.
func (d *Datagram) SetRTT(rtt time.Duration) {
	d.rtt = rtt
	d.rttSet = true
}

// ClearRTT marks the round-trip time as unknown.
func (d *Datagram) ClearRTT() {
	d.rtt = 0
	d.rttSet = false
}

// HasPayload reports whether the datagram carries application bytes.
func (d *Datagram) HasPayload() bool {
	return d.PayloadLen > 0
}

func (d *Datagram) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Datagram sent by %s\n", d.Direction)
	fmt.Fprintf(&sb, "Time: %s\n", d.Timestamp.Format("Jan 02, 2006 - 15:04:05.000000"))
	fmt.Fprintf(&sb, "Sequence number: %d\n", d.Seq)
	fmt.Fprintf(&sb, "Payload length: %d bytes", d.PayloadLen)
	if d.HasAck {
		fmt.Fprintf(&sb, "\nSequence number of datagram ACKed: %d", d.AckSeq)
	}
	if rtt, ok := d.RTT(); ok {
		fmt.Fprintf(&sb, "\nEstimate RTT: %s", rtt)
	}
	return sb.String()
}
