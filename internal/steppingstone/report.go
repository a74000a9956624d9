package steppingstone

import (
	"fmt"
	"strings"
	"sync"
)

const reportHeader = "Stepping stones detected (server-side connection method):"

// Report collects verdicts over a batch of connections.
type Report struct {
	mu       sync.Mutex
	order    []uint64
	verdicts map[uint64]Verdict
}

// NewReport creates an empty report.
func NewReport() *Report {
	return &Report{verdicts: make(map[uint64]Verdict)}
}

// Add records the verdict of a connection. A second verdict for the same
// connection replaces the first.
func (r *Report) Add(connID uint64, v Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.verdicts[connID]; !ok {
		r.order = append(r.order, connID)
	}
	r.verdicts[connID] = v
}

// Verdict returns the recorded verdict of a connection.
func (r *Report) Verdict(connID uint64) (Verdict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.verdicts[connID]
	return v, ok
}

// SteppingStones returns the IDs judged relayed, in insertion order.
func (r *Report) SteppingStones() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint64
	for _, id := range r.order {
		if r.verdicts[id].SteppingStone {
			out = append(out, id)
		}
	}
	return out
}

func (r *Report) String() string {
	var sb strings.Builder
	sb.WriteString(reportHeader)
	ids := r.SteppingStones()
	if len(ids) == 0 {
		sb.WriteString("\n    none")
		return sb.String()
	}
	for _, id := range ids {
		fmt.Fprintf(&sb, "\n    Connection #%d", id)
	}
	return sb.String()
}
