package steppingstone

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sshtrace/internal/logging"
	"sshtrace/internal/models"
)

var base = time.Date(2012, 5, 4, 10, 0, 0, 0, time.UTC)

// relay builds a connection of n client payload datagrams sent every iat,
// each echoed by the server, with sizes cycling through sizes. A zero rtt
// leaves the RTTs unset.
func relay(n int, iat, rtt time.Duration, sizes ...int) *models.Connection {
	var ds []*models.Datagram
	now := base
	for i := 0; i < n; i++ {
		c := &models.Datagram{Direction: models.ClientToServer, Timestamp: now, PayloadLen: sizes[i%len(sizes)]}
		ack := &models.Datagram{Direction: models.ClientToServer, Timestamp: now.Add(iat / 4)}
		s := &models.Datagram{Direction: models.ServerToClient, Timestamp: now.Add(iat / 2), PayloadLen: 64}
		if rtt > 0 {
			c.SetRTT(rtt)
			ack.SetRTT(rtt)
			s.SetRTT(rtt)
		}
		ds = append(ds, c, ack, s)
		now = now.Add(iat)
	}
	return models.NewConnection(7, ds)
}

func spread(n int) []int {
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = 16 + 10*i
	}
	return sizes
}

func newDetector() *Detector {
	return New(DefaultConfig(), logging.NewNop())
}

func TestDetectTooFewDatagrams(t *testing.T) {
	v := newDetector().Detect(relay(15, time.Second, 10*time.Millisecond, 48))

	assert.False(t, v.SteppingStone)
	assert.True(t, v.Insufficient)
	assert.Equal(t, 15, v.Datagrams)
	assert.Equal(t, Inconclusive, v.IATvsRTT)
	assert.Zero(t, v.Groups, "no sub-test may run")
}

func TestDetectAtMinimumDatagrams(t *testing.T) {
	v := newDetector().Detect(relay(20, time.Second, 10*time.Millisecond, 48, 96))

	assert.Equal(t, 20, v.Datagrams)
	assert.False(t, v.Insufficient)
	assert.Equal(t, Inconclusive, v.IATvsRTT, "19 IAT/RTT pairs are below the sample minimum")
	assert.True(t, v.Modal)
	assert.Equal(t, 2, v.Groups)
	assert.True(t, v.SteppingStone)
}

func TestDetectIATFarFromRTT(t *testing.T) {
	v := newDetector().Detect(relay(30, time.Second, 10*time.Millisecond, spread(30)...))

	assert.True(t, v.SteppingStone)
	assert.Equal(t, Different, v.IATvsRTT)
	assert.Zero(t, v.MatchRatio)
	assert.Zero(t, v.Groups, "modality is not consulted after a definite match")
}

func TestDetectLockstepNotModal(t *testing.T) {
	v := newDetector().Detect(relay(30, 100*time.Millisecond, 100*time.Millisecond, spread(30)...))

	assert.False(t, v.SteppingStone)
	assert.Equal(t, Similar, v.IATvsRTT)
	assert.InDelta(t, 1.0, v.MatchRatio, 1e-9)
	assert.False(t, v.Modal)
	assert.Equal(t, 30, v.Groups)
}

func TestDetectLockstepModal(t *testing.T) {
	v := newDetector().Detect(relay(30, 100*time.Millisecond, 100*time.Millisecond, 48, 96))

	assert.True(t, v.SteppingStone)
	assert.Equal(t, Similar, v.IATvsRTT)
	assert.True(t, v.Modal)
	assert.InDelta(t, 1.0, v.ModalCoverage, 1e-9)
	assert.Equal(t, 2, v.Groups)
}

func TestDetectInconclusiveFallsBackToModality(t *testing.T) {
	v := newDetector().Detect(relay(25, 100*time.Millisecond, 0, 48, 96))

	assert.Equal(t, Inconclusive, v.IATvsRTT)
	assert.True(t, v.SteppingStone)
	assert.True(t, v.Modal)
}

func TestCompareRTTvsIATNeedsEnoughSamples(t *testing.T) {
	conn := relay(20, time.Second, 10*time.Millisecond, 48)
	outcome, _ := newDetector().CompareRTTvsIAT(conn.PayloadDatagrams(models.ClientToServer))

	// 20 datagrams give 19 samples once the first is dropped.
	assert.Equal(t, Inconclusive, outcome)
}

func TestCompareRTTvsIATThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IATRTTDifferent = 1
	d := New(cfg, logging.NewNop())
	conn := relay(30, 100*time.Millisecond, 100*time.Millisecond, 48)

	outcome, ratio := d.CompareRTTvsIAT(conn.PayloadDatagrams(models.ClientToServer))
	assert.Equal(t, Different, outcome)
	assert.InDelta(t, 1.0, ratio, 1e-9)
}

func TestSamplesPairsConsecutiveClientPayloads(t *testing.T) {
	conn := relay(4, 200*time.Millisecond, 50*time.Millisecond, 48)
	iats, rtts := Samples(conn.PayloadDatagrams(models.ClientToServer))

	require.Len(t, iats, 3)
	require.Len(t, rtts, 3)
	for i := range iats {
		assert.InDelta(t, 0.2, iats[i], 1e-9)
		assert.InDelta(t, 0.05, rtts[i], 1e-9)
	}
}

func payloads(sizes ...int) []*models.Datagram {
	ds := make([]*models.Datagram, len(sizes))
	for i, s := range sizes {
		ds[i] = &models.Datagram{Direction: models.ClientToServer, PayloadLen: s}
	}
	return ds
}

func TestIsModallyDistributedTwoGroups(t *testing.T) {
	var sizes []int
	for i := 0; i < 50; i++ {
		sizes = append(sizes, 48)
	}
	for i := 0; i < 49; i++ {
		sizes = append(sizes, 80)
	}
	sizes = append(sizes, 500)

	modal, coverage, groups := newDetector().IsModallyDistributed(payloads(sizes...))
	assert.True(t, modal)
	assert.InDelta(t, 0.99, coverage, 1e-9)
	assert.Len(t, groups, 3)
}

func TestIsModallyDistributedSpread(t *testing.T) {
	modal, coverage, _ := newDetector().IsModallyDistributed(payloads(spread(40)...))
	assert.False(t, modal)
	assert.Zero(t, coverage)
}

func TestIsModallyDistributedEmpty(t *testing.T) {
	modal, coverage, groups := newDetector().IsModallyDistributed(nil)
	assert.False(t, modal)
	assert.Zero(t, coverage)
	assert.Empty(t, groups)
}

func TestClusteringRecentersWithoutMerging(t *testing.T) {
	_, _, groups := newDetector().IsModallyDistributed(payloads(100, 102, 104, 98, 99, 100))

	require.Len(t, groups, 2)
	assert.InDelta(t, 102, groups[0].Center, 1e-9)
	assert.Equal(t, 3, groups[0].Size())
	// Recentering to 99 would collide with the group at 102.
	assert.InDelta(t, 98.5, groups[1].Center, 1e-9)
	assert.Equal(t, 3, groups[1].Size())
}

func TestClusteringTieGoesToEarliestGroup(t *testing.T) {
	_, _, groups := newDetector().IsModallyDistributed(payloads(100, 106, 103))

	require.Len(t, groups, 2)
	assert.Equal(t, 2, groups[0].Size())
	assert.InDelta(t, 101.5, groups[0].Center, 1e-9)
	assert.Equal(t, 1, groups[1].Size())
}

func TestOutcomeText(t *testing.T) {
	b, err := Similar.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "similar", string(b))
	assert.Equal(t, "inconclusive", Inconclusive.String())
}

func TestOutcomeUnmarshalText(t *testing.T) {
	var o Outcome
	require.NoError(t, o.UnmarshalText([]byte("different")))
	assert.Equal(t, Different, o)
	assert.Error(t, o.UnmarshalText([]byte("maybe")))
}
