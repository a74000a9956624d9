// Package rtt estimates a round-trip time for every datagram of a connection.
//
// Estimation runs in two passes. The matching pass scans datagrams from the
// latest to the earliest and pairs each one with the first acknowledging
// datagram of the opposite direction found after it in capture order. The
// interpolation pass then fills the datagrams left without a match, per
// direction: a leading run copies the first known RTT, a run between two known
// RTTs is linearly interpolated and a trailing run copies the last known RTT.
package rtt

import (
	"time"

	"sshtrace/internal/models"
)

// Stats counts how each datagram got its RTT.
type Stats struct {
	Matched      int
	Interpolated int
	Filled       int
	Unset        int
}

type slot struct {
	rtt time.Duration
	ok  bool
}

// pendingAcker is the latest acknowledging datagram of one direction that
// has not been paired yet.
type pendingAcker struct {
	datagram *models.Datagram
}

// Estimate overwrites the RTT of every datagram in conn. Datagrams keep their
// order. A direction without a single matched datagram is left unset.
// Non-monotonic timestamps are not rejected and may yield negative RTTs.
func Estimate(conn *models.Connection) Stats {
	var stats Stats
	ds := conn.Datagrams
	table := make([]slot, len(ds))

	stats.Matched = matchAcks(ds, table)
	for _, dir := range []models.Direction{models.ClientToServer, models.ServerToClient} {
		interpolated, filled := interpolate(ds, table, dir)
		stats.Interpolated += interpolated
		stats.Filled += filled
	}

	for i, d := range ds {
		if table[i].ok {
			d.SetRTT(table[i].rtt)
		} else {
			d.ClearRTT()
			stats.Unset++
		}
	}
	return stats
}

// matchAcks runs the backward scan and records matched RTTs in table.
func matchAcks(ds []*models.Datagram, table []slot) int {
	var pending [2]pendingAcker
	matched := 0
	for i := len(ds) - 1; i >= 0; i-- {
		d := ds[i]
		opp := &pending[d.Direction.Opposite()]
		if opp.datagram != nil && d.Seq < opp.datagram.Seq {
			table[i] = slot{rtt: opp.datagram.Timestamp.Sub(d.Timestamp), ok: true}
			opp.datagram = nil
			matched++
		}
		if d.HasAck {
			pending[d.Direction].datagram = d
		}
	}
	return matched
}

// interpolate fills the gaps of one direction from the matched RTTs around them.
func interpolate(ds []*models.Datagram, table []slot, dir models.Direction) (interpolated, filled int) {
	var (
		last    time.Duration
		haveRTT bool
		gap     []int
	)
	for i, d := range ds {
		if d.Direction != dir {
			continue
		}
		if !table[i].ok {
			gap = append(gap, i)
			continue
		}
		next := table[i].rtt
		if len(gap) > 0 {
			if !haveRTT {
				fillFlat(table, gap, next)
				filled += len(gap)
			} else {
				fillLinear(table, gap, last, next)
				interpolated += len(gap)
			}
			gap = gap[:0]
		}
		last = next
		haveRTT = true
	}
	if haveRTT && len(gap) > 0 {
		fillFlat(table, gap, last)
		filled += len(gap)
	}
	return interpolated, filled
}

func fillFlat(table []slot, gap []int, rtt time.Duration) {
	for _, i := range gap {
		table[i] = slot{rtt: rtt, ok: true}
	}
}

// fillLinear assigns r0 + k*(r1-r0)/(len(gap)+1) to the k-th datagram of gap.
func fillLinear(table []slot, gap []int, r0, r1 time.Duration) {
	step := float64(r1-r0) / float64(len(gap)+1)
	for k, i := range gap {
		table[i] = slot{rtt: r0 + time.Duration(float64(k+1)*step), ok: true}
	}
}
