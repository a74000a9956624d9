package flow

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"sshtrace/internal/logging"
	"sshtrace/internal/models"
)

// TCPState represents the state of a TCP connection.
type TCPState string

const (
	TCPStateNew         TCPState = "NEW"
	TCPStateSynSent     TCPState = "SYN_SENT"
	TCPStateSynReceived TCPState = "SYN_RECEIVED"
	TCPStateEstablished TCPState = "ESTABLISHED"
	TCPStateFinWait     TCPState = "FIN_WAIT"
	TCPStateClosed      TCPState = "CLOSED"
)

// FlowKey is a normalized 4-tuple. Both directions map to the same flow.
type FlowKey struct {
	IP1   string
	IP2   string
	Port1 uint16
	Port2 uint16
}

func MakeFlowKey(srcIP, dstIP string, srcPort, dstPort uint16) FlowKey {
	// Normalize: smaller IP first; if IPs equal, smaller port first
	if srcIP < dstIP || (srcIP == dstIP && srcPort < dstPort) {
		return FlowKey{IP1: srcIP, IP2: dstIP, Port1: srcPort, Port2: dstPort}
	}
	return FlowKey{IP1: dstIP, IP2: srcIP, Port1: dstPort, Port2: srcPort}
}

// TCPFlags holds parsed TCP flag bits.
type TCPFlags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
	PSH bool
}

// Segment is one TCP segment as extracted from a captured packet.
type Segment struct {
	SrcIP      string
	DstIP      string
	SrcPort    uint16
	DstPort    uint16
	Flags      TCPFlags
	Seq        uint32
	Ack        uint32
	Length     int    // captured length on the wire
	PayloadLen int
	Banner     string // SSH identification string carried by the payload, if any
	Timestamp  time.Time
}

// seqSpace is the size of the 32-bit TCP sequence space.
const seqSpace = 1 << 32

// unacked is a data datagram waiting for the other side to acknowledge it.
type unacked struct {
	end   uint64 // relative sequence number just past the payload
	frame int64
}

// endpoint holds the per-direction state of a session. Relative sequence
// numbers are unwrapped into 64 bits so transfers past 4 GiB keep ordering.
type endpoint struct {
	isn      uint32
	haveISN  bool
	high     uint64 // highest relative sequence number sent
	lastAck  uint64
	haveAck  bool
	inflight []unacked
}

// unwrap places a 32-bit offset from the ISN in the 64-bit relative space,
// on the wrap nearest to ref without going below zero.
func unwrap(rel uint32, ref uint64) uint64 {
	v := ref&^(seqSpace-1) | uint64(rel)
	switch {
	case v+seqSpace/2 < ref:
		v += seqSpace
	case v > ref+seqSpace/2 && v >= seqSpace:
		v -= seqSpace
	}
	return v
}

type session struct {
	id         uint64
	clientIP   string
	serverIP   string
	clientPort uint16
	serverPort uint16
	state      TCPState
	datagrams  []*models.Datagram
	ends       [2]endpoint
	banners    [2]string
	first      time.Time
	last       time.Time
	outOfOrder int
}

// Table groups TCP segments into sessions and turns them into connections.
//
// Datagram sequence numbers are capture frame numbers, so that a larger
// number always means a later packet regardless of direction. A datagram
// carries an acknowledgment when its ACK number covers at least one data
// datagram of the other side; AckSeq is the frame of the latest one covered.
type Table struct {
	mu       sync.Mutex
	sessions map[FlowKey]*session
	closed   []*session
	nextID   uint64
	frame    int64
	ports    map[uint16]bool
	logger   logging.Logger
}

// NewTable creates a flow table. Sessions whose server port is not in ports
// are dropped when connections are built; no ports keeps every session.
func NewTable(ports []uint16, logger logging.Logger) *Table {
	t := &Table{
		sessions: make(map[FlowKey]*session),
		ports:    make(map[uint16]bool),
		logger:   logger.With("component", "flow"),
	}
	for _, p := range ports {
		t.ports[p] = true
	}
	return t
}

// Add records a segment.
func (t *Table) Add(seg Segment) {
	key := MakeFlowKey(seg.SrcIP, seg.DstIP, seg.SrcPort, seg.DstPort)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.frame++
	s, exists := t.sessions[key]
	if exists && s.state == TCPStateClosed && seg.Flags.SYN && !seg.Flags.ACK {
		// port reuse: a new session starts on the same 4-tuple
		t.closed = append(t.closed, s)
		exists = false
	}
	if !exists {
		s = t.newSession(seg)
		t.sessions[key] = s
	}

	dir := models.ServerToClient
	if seg.SrcIP == s.clientIP && seg.SrcPort == s.clientPort {
		dir = models.ClientToServer
	}

	if seg.Timestamp.Before(s.last) {
		s.outOfOrder++
	}
	if seg.Timestamp.After(s.last) {
		s.last = seg.Timestamp
	}

	d := &models.Datagram{
		Direction:  dir,
		Timestamp:  seg.Timestamp,
		Seq:        t.frame,
		TotalLen:   seg.Length,
		PayloadLen: seg.PayloadLen,
	}

	own := &s.ends[dir]
	if !own.haveISN {
		own.isn = seg.Seq
		own.haveISN = true
	}
	if seg.PayloadLen > 0 {
		end := unwrap(seg.Seq-own.isn, own.high) + uint64(seg.PayloadLen)
		if !t.retransmitted(own, end) {
			own.inflight = append(own.inflight, unacked{end: end, frame: t.frame})
		}
		if end > own.high {
			own.high = end
		}
		if s.banners[dir] == "" && seg.Banner != "" {
			s.banners[dir] = seg.Banner
		}
	}
	if seg.Flags.ACK {
		t.acknowledge(s, dir, seg.Ack, d)
	}

	s.datagrams = append(s.datagrams, d)
	s.state = advanceTCPState(s.state, seg.Flags)
}

func (t *Table) newSession(seg Segment) *session {
	t.nextID++
	s := &session{
		id:         t.nextID,
		clientIP:   seg.SrcIP,
		serverIP:   seg.DstIP,
		clientPort: seg.SrcPort,
		serverPort: seg.DstPort,
		state:      TCPStateNew,
		first:      seg.Timestamp,
		last:       seg.Timestamp,
	}
	// A SYN-ACK seen first means the handshake opener is the destination.
	if seg.Flags.SYN && seg.Flags.ACK {
		s.clientIP, s.serverIP = seg.DstIP, seg.SrcIP
		s.clientPort, s.serverPort = seg.DstPort, seg.SrcPort
		s.state = TCPStateSynSent
	}
	return s
}

// retransmitted reports whether data ending at end was already acknowledged
// or is already in flight. Retransmissions are never matched to an ack.
func (t *Table) retransmitted(e *endpoint, end uint64) bool {
	if e.haveAck && end <= e.lastAck {
		return true
	}
	n := len(e.inflight)
	return n > 0 && end <= e.inflight[n-1].end
}

// acknowledge pops the data datagrams of the other side covered by ack.
func (t *Table) acknowledge(s *session, dir models.Direction, ack uint32, d *models.Datagram) {
	peer := &s.ends[dir.Opposite()]
	if !peer.haveISN {
		return
	}
	rel := unwrap(ack-peer.isn, peer.high)
	if peer.haveAck && rel <= peer.lastAck {
		return
	}
	peer.lastAck = rel
	peer.haveAck = true

	n := 0
	for n < len(peer.inflight) && peer.inflight[n].end <= rel {
		n++
	}
	if n == 0 {
		return
	}
	d.HasAck = true
	d.AckSeq = peer.inflight[n-1].frame
	peer.inflight = peer.inflight[n:]
}

// Connections builds one connection per recorded session, ordered by start
// time. Sessions on filtered ports are skipped.
func (t *Table) Connections() []*models.Connection {
	t.mu.Lock()
	all := append([]*session(nil), t.closed...)
	for _, s := range t.sessions {
		all = append(all, s)
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].first.Equal(all[j].first) {
			return all[i].id < all[j].id
		}
		return all[i].first.Before(all[j].first)
	})

	out := make([]*models.Connection, 0, len(all))
	for _, s := range all {
		if len(t.ports) > 0 && !t.ports[s.serverPort] {
			continue
		}
		if s.outOfOrder > 0 {
			t.logger.Warn("Non-monotonic timestamps in connection", "connection", s.id, "datagrams", s.outOfOrder)
		}
		conn := models.NewConnection(s.id, s.datagrams)
		conn.StartTime = s.first
		conn.Duration = s.last.Sub(s.first)
		conn.ClientIP, conn.ClientPort = s.clientIP, s.clientPort
		conn.ServerIP, conn.ServerPort = s.serverIP, s.serverPort
		conn.ClientProtocol = s.banners[models.ClientToServer]
		conn.ServerProtocol = s.banners[models.ServerToClient]
		out = append(out, conn)
	}
	return out
}

// Len returns the number of sessions seen so far.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions) + len(t.closed)
}

// Reset clears all sessions.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[FlowKey]*session)
	t.closed = nil
	t.nextID = 0
	t.frame = 0
}

func advanceTCPState(current TCPState, flags TCPFlags) TCPState {
	if flags.RST {
		return TCPStateClosed
	}

	switch current {
	case TCPStateNew:
		if flags.SYN && !flags.ACK {
			return TCPStateSynSent
		}
		if !flags.SYN {
			// joined mid-stream
			return TCPStateEstablished
		}
	case TCPStateSynSent:
		if flags.SYN && flags.ACK {
			return TCPStateSynReceived
		}
	case TCPStateSynReceived:
		if flags.ACK && !flags.SYN {
			return TCPStateEstablished
		}
	case TCPStateEstablished:
		if flags.FIN {
			return TCPStateFinWait
		}
	case TCPStateFinWait:
		if flags.FIN || flags.ACK {
			return TCPStateClosed
		}
	}
	return current
}

// String returns a human-readable description of the flow key.
func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d <-> %s:%d", k.IP1, k.Port1, k.IP2, k.Port2)
}
