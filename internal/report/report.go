package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"sshtrace/internal/conntype"
	"sshtrace/internal/models"
	"sshtrace/internal/steppingstone"
)

// RTTSummary describes the estimated RTTs of one direction, in milliseconds.
type RTTSummary struct {
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stdDev"`
	Median  float64 `json:"median"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// ConnectionReport is the analysis result of one connection.
type ConnectionReport struct {
	ID              uint64                `json:"id"`
	Client          string                `json:"client"`
	Server          string                `json:"server"`
	ClientProtocol  string                `json:"clientProtocol,omitempty"`
	ServerProtocol  string                `json:"serverProtocol,omitempty"`
	ClientSoftware  string                `json:"clientSoftware,omitempty"`
	ServerSoftware  string                `json:"serverSoftware,omitempty"`
	StartTime       time.Time             `json:"startTime"`
	Duration        float64               `json:"duration"` // seconds
	ClientDatagrams int                   `json:"clientDatagrams"`
	ServerDatagrams int                   `json:"serverDatagrams"`
	ClientBytes     int64                 `json:"clientBytes"`
	ServerBytes     int64                 `json:"serverBytes"`
	ClientRTT       RTTSummary            `json:"clientRtt"`
	ServerRTT       RTTSummary            `json:"serverRtt"`
	ConnectionType  string                `json:"connectionType"`
	Classification  conntype.Result       `json:"classification"`
	SteppingStone   steppingstone.Verdict `json:"steppingStone"`
	Error           string                `json:"error,omitempty"`
}

// Build assembles the report of an analysed connection.
func Build(conn *models.Connection, ct conntype.Result, v steppingstone.Verdict) ConnectionReport {
	return ConnectionReport{
		ID:              conn.ID,
		Client:          fmt.Sprintf("%s:%d", conn.ClientIP, conn.ClientPort),
		Server:          fmt.Sprintf("%s:%d", conn.ServerIP, conn.ServerPort),
		ClientProtocol:  conn.ClientProtocol,
		ServerProtocol:  conn.ServerProtocol,
		StartTime:       conn.StartTime,
		Duration:        conn.Duration.Seconds(),
		ClientDatagrams: conn.ClientSentDatagrams,
		ServerDatagrams: conn.ServerSentDatagrams,
		ClientBytes:     conn.ClientSentBytes,
		ServerBytes:     conn.ServerSentBytes,
		ClientRTT:       SummarizeRTT(conn.Datagrams, models.ClientToServer),
		ServerRTT:       SummarizeRTT(conn.Datagrams, models.ServerToClient),
		ConnectionType:  ct.Type,
		Classification:  ct,
		SteppingStone:   v,
	}
}

// Failed builds the report of a connection whose analysis aborted.
func Failed(conn *models.Connection, err error) ConnectionReport {
	return ConnectionReport{
		ID:     conn.ID,
		Client: fmt.Sprintf("%s:%d", conn.ClientIP, conn.ClientPort),
		Server: fmt.Sprintf("%s:%d", conn.ServerIP, conn.ServerPort),
		Error:  err.Error(),
	}
}

// SummarizeRTT computes statistics over the set RTTs of datagrams sent in dir.
func SummarizeRTT(datagrams []*models.Datagram, dir models.Direction) RTTSummary {
	var ms []float64
	for _, d := range datagrams {
		if d.Direction != dir {
			continue
		}
		if rtt, ok := d.RTT(); ok {
			ms = append(ms, float64(rtt)/float64(time.Millisecond))
		}
	}
	if len(ms) == 0 {
		return RTTSummary{}
	}
	sort.Float64s(ms)
	s := RTTSummary{
		Samples: len(ms),
		Mean:    stat.Mean(ms, nil),
		Median:  stat.Quantile(0.5, stat.Empirical, ms, nil),
		Min:     floats.Min(ms),
		Max:     floats.Max(ms),
	}
	if len(ms) > 1 {
		s.StdDev = stat.StdDev(ms, nil)
	}
	return s
}

// WriteText prints one block per connection followed by the stepping-stone report.
func WriteText(w io.Writer, reports []ConnectionReport, ss *steppingstone.Report) error {
	for _, r := range reports {
		if _, err := fmt.Fprintf(w, "Connection #%d: %s --> %s\n", r.ID, r.Client, r.Server); err != nil {
			return err
		}
		if r.Error != "" {
			if _, err := fmt.Fprintf(w, "  Analysis failed: %s\n\n", r.Error); err != nil {
				return err
			}
			continue
		}
		_, err := fmt.Fprintf(w,
			"  Start date: %s\n  Duration: %s\n  Client: %s\n  Server: %s\n"+
				"  Datagrams sent by client: %d (%d bytes)\n  Datagrams sent by server: %d (%d bytes)\n"+
				"  Client RTT: %s\n  Server RTT: %s\n  Connection type: %s\n  Stepping stone: %t\n\n",
			r.StartTime.Format("Jan 02, 2006 - 15:04:05"),
			time.Duration(r.Duration*float64(time.Second)),
			r.ClientProtocol, r.ServerProtocol,
			r.ClientDatagrams, r.ClientBytes, r.ServerDatagrams, r.ServerBytes,
			formatRTT(r.ClientRTT), formatRTT(r.ServerRTT),
			r.ConnectionType, r.SteppingStone.SteppingStone,
		)
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, ss.String())
	return err
}

func formatRTT(s RTTSummary) string {
	if s.Samples == 0 {
		return "unknown"
	}
	return fmt.Sprintf("mean %.2fms, median %.2fms, stddev %.2fms (%d datagrams)", s.Mean, s.Median, s.StdDev, s.Samples)
}

// Batch is the JSON document of a whole analysis run.
type Batch struct {
	Connections    []ConnectionReport `json:"connections"`
	SteppingStones []uint64           `json:"steppingStones"`
}

// WriteJSON prints the batch as indented JSON.
func WriteJSON(w io.Writer, reports []ConnectionReport, ss *steppingstone.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	ids := ss.SteppingStones()
	if ids == nil {
		ids = []uint64{}
	}
	return enc.Encode(Batch{Connections: reports, SteppingStones: ids})
}
