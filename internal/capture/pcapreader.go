package capture

import (
	"context"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"sshtrace/internal/flow"
	"sshtrace/internal/parser"
)

// PcapReader reads packets from a .pcap file.
type PcapReader struct {
	handle *pcap.Handle
}

// NewPcapReader opens a pcap file for reading.
func NewPcapReader(path string) (*PcapReader, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap file %q: %w", path, err)
	}
	return &PcapReader{handle: handle}, nil
}

// Packets returns a gopacket.PacketSource for the file.
func (pr *PcapReader) Packets() *gopacket.PacketSource {
	return gopacket.NewPacketSource(pr.handle, pr.handle.LinkType())
}

// LinkType returns the link layer type for the pcap file.
func (pr *PcapReader) LinkType() layers.LinkType {
	return pr.handle.LinkType()
}

// Close releases the handle.
func (pr *PcapReader) Close() {
	if pr.handle != nil {
		pr.handle.Close()
	}
}

// Stats counts what an ingestion pass saw.
type Stats struct {
	Packets  int `json:"packets"`
	Segments int `json:"segments"`
	Skipped  int `json:"skipped"` // not TCP over IP
}

// Ingest feeds every TCP segment read from packets into table. It stops when
// the channel is closed or ctx is done.
func Ingest(ctx context.Context, packets <-chan gopacket.Packet, table *flow.Table) (Stats, error) {
	var st Stats
	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case pkt, ok := <-packets:
			if !ok {
				return st, nil
			}
			st.Packets++
			seg, ok := parser.ExtractSegment(pkt)
			if !ok {
				st.Skipped++
				continue
			}
			table.Add(seg)
			st.Segments++
		}
	}
}

// Load reads the whole file into table.
func (pr *PcapReader) Load(ctx context.Context, table *flow.Table) (Stats, error) {
	src := pr.Packets()
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	return Ingest(ctx, src.Packets(), table)
}
