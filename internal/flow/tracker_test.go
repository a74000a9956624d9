package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sshtrace/internal/logging"
	"sshtrace/internal/models"
)

var t0 = time.Date(2012, 5, 4, 10, 0, 0, 0, time.UTC)

const (
	clientIP = "192.168.1.10"
	serverIP = "10.0.0.22"
)

func toServer(ms int, flags TCPFlags, seq, ack uint32, payload int, banner string) Segment {
	return Segment{
		SrcIP: clientIP, DstIP: serverIP, SrcPort: 51000, DstPort: 22,
		Flags: flags, Seq: seq, Ack: ack, Length: 66 + payload, PayloadLen: payload, Banner: banner,
		Timestamp: t0.Add(time.Duration(ms) * time.Millisecond),
	}
}

func toClient(ms int, flags TCPFlags, seq, ack uint32, payload int, banner string) Segment {
	return Segment{
		SrcIP: serverIP, DstIP: clientIP, SrcPort: 22, DstPort: 51000,
		Flags: flags, Seq: seq, Ack: ack, Length: 66 + payload, PayloadLen: payload, Banner: banner,
		Timestamp: t0.Add(time.Duration(ms) * time.Millisecond),
	}
}

var (
	syn    = TCPFlags{SYN: true}
	synAck = TCPFlags{SYN: true, ACK: true}
	ack    = TCPFlags{ACK: true}
	pshAck = TCPFlags{PSH: true, ACK: true}
)

func handshake(tbl *Table) {
	tbl.Add(toServer(0, syn, 1000, 0, 0, ""))
	tbl.Add(toClient(10, synAck, 5000, 1001, 0, ""))
	tbl.Add(toServer(20, ack, 1001, 5001, 0, ""))
	tbl.Add(toClient(30, pshAck, 5001, 1001, 21, "SSH-2.0-OpenSSH_5.2"))
	tbl.Add(toServer(40, pshAck, 1001, 5022, 21, "SSH-2.0-OpenSSH_5.3"))
	tbl.Add(toClient(60, ack, 5022, 1022, 0, ""))
}

func TestTableBuildsConnection(t *testing.T) {
	tbl := NewTable([]uint16{22}, logging.NewNop())
	handshake(tbl)

	conns := tbl.Connections()
	require.Len(t, conns, 1)
	c := conns[0]
	assert.Equal(t, clientIP, c.ClientIP)
	assert.Equal(t, uint16(51000), c.ClientPort)
	assert.Equal(t, serverIP, c.ServerIP)
	assert.Equal(t, uint16(22), c.ServerPort)
	assert.Equal(t, "SSH-2.0-OpenSSH_5.3", c.ClientProtocol)
	assert.Equal(t, "SSH-2.0-OpenSSH_5.2", c.ServerProtocol)
	assert.Equal(t, t0, c.StartTime)
	assert.Equal(t, 60*time.Millisecond, c.Duration)
	assert.Equal(t, 3, c.ClientSentDatagrams)
	assert.Equal(t, 3, c.ServerSentDatagrams)
	assert.Equal(t, int64(3*66+21), c.ClientSentBytes)

	require.Len(t, c.Datagrams, 6)
	for i, d := range c.Datagrams {
		assert.Equal(t, int64(i+1), d.Seq, "sequence numbers are frame numbers")
	}
	dirs := []models.Direction{models.ClientToServer, models.ServerToClient, models.ClientToServer, models.ServerToClient, models.ClientToServer, models.ServerToClient}
	for i, d := range c.Datagrams {
		assert.Equal(t, dirs[i], d.Direction, "datagram %d", i)
	}
}

func TestTableAcknowledgments(t *testing.T) {
	tbl := NewTable(nil, logging.NewNop())
	handshake(tbl)
	ds := tbl.Connections()[0].Datagrams

	for _, i := range []int{0, 1, 2, 3} {
		assert.False(t, ds[i].HasAck, "datagram %d acknowledges no data", i)
	}
	require.True(t, ds[4].HasAck)
	assert.Equal(t, int64(4), ds[4].AckSeq)
	require.True(t, ds[5].HasAck)
	assert.Equal(t, int64(5), ds[5].AckSeq)
}

func TestTableCumulativeAckAndRetransmission(t *testing.T) {
	tbl := NewTable(nil, logging.NewNop())
	tbl.Add(toServer(0, pshAck, 1, 1, 10, ""))
	tbl.Add(toServer(1, pshAck, 11, 1, 10, ""))
	tbl.Add(toServer(2, pshAck, 1, 1, 10, "")) // retransmission
	tbl.Add(toClient(3, ack, 1, 21, 0, ""))
	tbl.Add(toClient(4, ack, 1, 21, 0, "")) // duplicate ack

	ds := tbl.Connections()[0].Datagrams
	require.Len(t, ds, 5)
	require.True(t, ds[3].HasAck)
	assert.Equal(t, int64(2), ds[3].AckSeq, "cumulative ack points at the latest covered datagram")
	assert.False(t, ds[4].HasAck)
}

func TestTableSequenceWraparound(t *testing.T) {
	tbl := NewTable(nil, logging.NewNop())
	tbl.Add(toServer(0, syn, 1000, 0, 0, ""))
	tbl.Add(toClient(10, synAck, 5000, 1001, 0, ""))
	tbl.Add(toServer(20, ack, 1001, 5001, 0, ""))

	// relative sequence numbers cross 2^32 on the third segment
	isn := uint32(1000)
	seq := isn - 2024
	for i := 0; i < 3; i++ {
		ms := 100 * (i + 1)
		tbl.Add(toServer(ms, pshAck, seq, 5001, 1000, ""))
		tbl.Add(toClient(ms+20, ack, 5001, seq+1000, 0, ""))
		seq += 1000
	}

	ds := tbl.Connections()[0].Datagrams
	require.Len(t, ds, 9)
	for _, i := range []int{4, 6, 8} {
		require.True(t, ds[i].HasAck, "datagram %d", i)
		assert.Equal(t, ds[i-1].Seq, ds[i].AckSeq, "datagram %d", i)
	}
}

func TestUnwrap(t *testing.T) {
	assert.Equal(t, uint64(22), unwrap(22, 0))
	assert.Equal(t, uint64(seqSpace-2024), unwrap(seqSpace-2024, 1))
	assert.Equal(t, uint64(seqSpace+976), unwrap(976, seqSpace-24))
	assert.Equal(t, uint64(seqSpace-24), unwrap(seqSpace-24, seqSpace+976))
	assert.Equal(t, uint64(2*seqSpace+5), unwrap(5, 2*seqSpace-10))
}

func TestTableSynAckFirst(t *testing.T) {
	tbl := NewTable(nil, logging.NewNop())
	tbl.Add(toClient(0, synAck, 5000, 1001, 0, ""))
	tbl.Add(toServer(1, ack, 1001, 5001, 0, ""))

	c := tbl.Connections()[0]
	assert.Equal(t, clientIP, c.ClientIP)
	assert.Equal(t, models.ServerToClient, c.Datagrams[0].Direction)
}

func TestTablePortFilter(t *testing.T) {
	tbl := NewTable([]uint16{2222}, logging.NewNop())
	handshake(tbl)
	assert.Empty(t, tbl.Connections())
	assert.Equal(t, 1, tbl.Len())
}

func TestTablePortReuse(t *testing.T) {
	tbl := NewTable(nil, logging.NewNop())
	handshake(tbl)
	tbl.Add(toServer(100, TCPFlags{RST: true}, 1022, 0, 0, ""))
	tbl.Add(toServer(200, syn, 9000, 0, 0, ""))

	conns := tbl.Connections()
	require.Len(t, conns, 2)
	assert.Len(t, conns[0].Datagrams, 7)
	assert.Len(t, conns[1].Datagrams, 1)
	assert.NotEqual(t, conns[0].ID, conns[1].ID)
}

func TestTableOutOfOrderKeepsCaptureOrder(t *testing.T) {
	tbl := NewTable(nil, logging.NewNop())
	tbl.Add(toServer(50, pshAck, 1, 1, 10, ""))
	tbl.Add(toClient(20, ack, 1, 11, 0, ""))

	c := tbl.Connections()[0]
	require.Len(t, c.Datagrams, 2)
	assert.Equal(t, t0.Add(50*time.Millisecond), c.Datagrams[0].Timestamp)
	assert.Equal(t, time.Duration(0), c.Duration)
}

func TestTableReset(t *testing.T) {
	tbl := NewTable(nil, logging.NewNop())
	handshake(tbl)
	tbl.Reset()
	assert.Zero(t, tbl.Len())
	assert.Empty(t, tbl.Connections())
}

func TestMakeFlowKeyNormalizes(t *testing.T) {
	a := MakeFlowKey("10.0.0.1", "10.0.0.2", 51000, 22)
	b := MakeFlowKey("10.0.0.2", "10.0.0.1", 22, 51000)
	assert.Equal(t, a, b)
	assert.Equal(t, "10.0.0.1:51000 <-> 10.0.0.2:22", a.String())

	same := MakeFlowKey("10.0.0.1", "10.0.0.1", 2000, 1000)
	assert.Equal(t, uint16(1000), same.Port1)
	assert.Equal(t, uint16(2000), same.Port2)
}

func TestAdvanceTCPState(t *testing.T) {
	s := advanceTCPState(TCPStateNew, syn)
	assert.Equal(t, TCPStateSynSent, s)
	s = advanceTCPState(s, synAck)
	assert.Equal(t, TCPStateSynReceived, s)
	s = advanceTCPState(s, ack)
	assert.Equal(t, TCPStateEstablished, s)
	s = advanceTCPState(s, TCPFlags{FIN: true, ACK: true})
	assert.Equal(t, TCPStateFinWait, s)
	assert.Equal(t, TCPStateClosed, advanceTCPState(s, ack))
	assert.Equal(t, TCPStateClosed, advanceTCPState(TCPStateEstablished, TCPFlags{RST: true}))
	assert.Equal(t, TCPStateEstablished, advanceTCPState(TCPStateNew, ack))
}
